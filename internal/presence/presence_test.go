package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/seshat/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingMirror struct {
	mu    sync.Mutex
	calls []Event
	err   error
}

func (m *recordingMirror) SetOnline(_ context.Context, address string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Event{Address: address, Online: online})
	return m.err
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTracker(t *testing.T, mirror Mirror) *Tracker {
	t.Helper()
	tr, err := New(Opts{Operators: []string{"alice", "bob", "carol"}, Mirror: mirror})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestNew_RequiresOperators(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error for empty operator list")
	}
}

func TestApply(t *testing.T) {
	tr := newTracker(t, nil)
	ctx := context.Background()

	if tr.IsOnline("alice") {
		t.Fatal("alice online before any event")
	}
	if !tr.Apply(ctx, Event{Address: "alice", Online: true}) {
		t.Error("Apply(alice online) = false, want changed")
	}
	if !tr.IsOnline("alice") {
		t.Error("alice not online after event")
	}
	if tr.Apply(ctx, Event{Address: "alice", Online: true}) {
		t.Error("repeated online event reported a change")
	}
	if !tr.Apply(ctx, Event{Address: "alice", Online: false}) {
		t.Error("Apply(alice offline) = false, want changed")
	}
	if tr.IsOnline("alice") {
		t.Error("alice still online")
	}
}

func TestApply_UnknownAddressIgnored(t *testing.T) {
	mirror := &recordingMirror{}
	tr := newTracker(t, mirror)

	if tr.Apply(context.Background(), Event{Address: "mallory", Online: true}) {
		t.Error("unknown address reported a change")
	}
	if tr.IsOnline("mallory") || tr.IsOperator("mallory") {
		t.Error("unknown address is tracked")
	}
	if mirror.count() != 0 {
		t.Errorf("mirror calls = %d, want 0", mirror.count())
	}
}

func TestApply_RecordsSince(t *testing.T) {
	tr := newTracker(t, nil)
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	tr.Apply(context.Background(), Event{Address: "bob", Online: true, At: at})
	if got := tr.Since("bob"); !got.Equal(at) {
		t.Errorf("Since(bob) = %v, want %v", got, at)
	}
	if !tr.Since("carol").IsZero() {
		t.Error("Since(carol) should be zero before any event")
	}
}

func TestApply_MirrorsChangesOnly(t *testing.T) {
	mirror := &recordingMirror{}
	tr := newTracker(t, mirror)
	ctx := context.Background()

	tr.Apply(ctx, Event{Address: "alice", Online: true})
	tr.Apply(ctx, Event{Address: "alice", Online: true})
	tr.Apply(ctx, Event{Address: "alice", Online: false})
	if mirror.count() != 2 {
		t.Errorf("mirror calls = %d, want 2", mirror.count())
	}
}

func TestApply_MirrorErrorDoesNotBlockState(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("store down")}
	tr := newTracker(t, mirror)
	tr.Apply(context.Background(), Event{Address: "alice", Online: true})
	if !tr.IsOnline("alice") {
		t.Error("mirror failure dropped the presence change")
	}
}

func TestOnline_ConfigurationOrder(t *testing.T) {
	tr := newTracker(t, nil)
	ctx := context.Background()
	tr.Apply(ctx, Event{Address: "carol", Online: true})
	tr.Apply(ctx, Event{Address: "alice", Online: true})

	got := tr.Online()
	if len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
		t.Errorf("Online() = %v, want [alice carol]", got)
	}
	if ops := tr.Operators(); len(ops) != 3 || ops[1] != "bob" {
		t.Errorf("Operators() = %v", ops)
	}
}

func TestRun(t *testing.T) {
	tr := newTracker(t, nil)
	events := make(chan Event, 4)
	changes := make(chan Event, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, events, func(ev Event) { changes <- ev })
		close(done)
	}()

	events <- Event{Address: "bob", Online: true}
	events <- Event{Address: "bob", Online: true}
	events <- Event{Address: "bob", Online: false}

	for i, want := range []bool{true, false} {
		select {
		case ev := <-changes:
			if ev.Online != want {
				t.Errorf("change %d Online = %v, want %v", i, ev.Online, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for change %d", i)
		}
	}

	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	select {
	case ev := <-changes:
		t.Errorf("unexpected extra change %+v", ev)
	default:
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
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.OperatorPresence{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

func TestDBMirror(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m := DBMirror{DB: db}

	online, err := AnyOnline(ctx, db)
	if err != nil {
		t.Fatalf("AnyOnline: %v", err)
	}
	if online {
		t.Error("AnyOnline on empty table = true")
	}

	if err := m.SetOnline(ctx, "alice", true); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if online, _ := AnyOnline(ctx, db); !online {
		t.Error("AnyOnline = false after alice came online")
	}

	if err := m.SetOnline(ctx, "alice", false); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	var rows []models.OperatorPresence
	db.Find(&rows)
	if len(rows) != 1 || rows[0].Online {
		t.Errorf("rows = %+v, want one offline row", rows)
	}
	if online, _ := AnyOnline(ctx, db); online {
		t.Error("AnyOnline = true after alice went offline")
	}
}
