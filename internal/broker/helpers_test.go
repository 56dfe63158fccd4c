package broker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/seshat/internal/config"
	"github.com/zulandar/seshat/internal/models"
	"github.com/zulandar/seshat/internal/presence"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testCfg() *config.Config {
	on := true
	return &config.Config{
		StoreDriver:       config.DriverSQLite,
		StorePath:         ":memory:",
		LocalUsers:        config.UserList{"alice@example.com", "bob@example.com", "carol@example.com"},
		BrokerUsername:    "seshat@example.com",
		Platform:          config.PlatformXMPP,
		PollIntervalSec:   1,
		ConnectRetries:    3,
		ConnectBackoffSec: 1,
		NotifyOnOnline:    &on,
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// Every connection to ":memory:" is a fresh database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Session{}, &models.Message{}, &models.OperatorPresence{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestDaemon builds a daemon over a fresh store and a connected mock
// adapter without starting Run.
func newTestDaemon(t *testing.T, cfg *config.Config) (*Daemon, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	return newTestDaemonWithDB(t, cfg, db), db
}

func newTestDaemonWithDB(t *testing.T, cfg *config.Config, db *gorm.DB) *Daemon {
	t.Helper()
	d, err := NewDaemon(context.Background(), DaemonOpts{
		DB:             db,
		Config:         cfg,
		Adapter:        NewMockAdapter(),
		Out:            io.Discard,
		ConnectBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	return d
}

// connectedDaemon returns a daemon whose mock adapter is already connected.
func connectedDaemon(t *testing.T) (*Daemon, *MockAdapter) {
	t.Helper()
	d, _ := newTestDaemon(t, testCfg())
	mock := d.adapter.(*MockAdapter)
	if err := mock.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return d, mock
}

func setOnline(t *testing.T, d *Daemon, addrs ...string) {
	t.Helper()
	for _, a := range addrs {
		d.presence.Apply(context.Background(), presence.Event{Address: a, Online: true})
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
