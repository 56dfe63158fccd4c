package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/seshat/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Session{}, &models.Message{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *gorm.DB, *clock) {
	t.Helper()
	db := openTestDB(t)
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r, err := New(context.Background(), Opts{DB: db, Now: clk.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, db, clk
}

func TestNew_RequiresDB(t *testing.T) {
	_, err := New(context.Background(), Opts{})
	if err == nil || err.Error() != "registry: db is required" {
		t.Fatalf("New() error = %v", err)
	}
}

func TestCreateSession(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.CreateSession(ctx, "Jane", "I need help")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ChatID == 0 {
		t.Fatal("ChatID = 0, want allocated ID")
	}
	if s.Status != models.StatusWaiting {
		t.Errorf("Status = %q, want %q", s.Status, models.StatusWaiting)
	}
	if s.VisitorToken == "" {
		t.Error("VisitorToken is empty")
	}
	if s.Operator != nil {
		t.Errorf("Operator = %q, want nil", *s.Operator)
	}

	got, err := r.GetSession(ctx, s.ChatID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.VisitorLabel != "Jane" || got.StartMessage != "I need help" {
		t.Errorf("GetSession = %+v", got)
	}
}

func TestCreateSession_DefaultLabel(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.VisitorLabel != "Anonymous" {
		t.Errorf("VisitorLabel = %q, want %q", s.VisitorLabel, "Anonymous")
	}
}

func TestCreateSession_UniqueIDs(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	const n = 20
	ids := make(chan uint, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.CreateSession(ctx, "v", "hi")
			if err != nil {
				t.Errorf("CreateSession: %v", err)
				return
			}
			ids <- s.ChatID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("chat ID %d allocated twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("allocated %d IDs, want %d", len(seen), n)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.GetSession(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession error = %v, want ErrNotFound", err)
	}
}

func TestListWaiting_OldestFirst(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.CreateSession(ctx, "a", "")
	clk.Advance(time.Second)
	b, _ := r.CreateSession(ctx, "b", "")
	clk.Advance(time.Second)
	c, _ := r.CreateSession(ctx, "c", "")

	if _, err := r.TryAccept(ctx, b.ChatID, "alice"); err != nil {
		t.Fatalf("TryAccept: %v", err)
	}

	waiting, err := r.ListWaiting(ctx)
	if err != nil {
		t.Fatalf("ListWaiting: %v", err)
	}
	if len(waiting) != 2 || waiting[0].ChatID != a.ChatID || waiting[1].ChatID != c.ChatID {
		t.Errorf("ListWaiting = %v, want [%d %d]", chatIDs(waiting), a.ChatID, c.ChatID)
	}
}

func TestTryAccept(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.CreateSession(ctx, "v", "hi")

	got, err := r.TryAccept(ctx, s.ChatID, "alice")
	if err != nil {
		t.Fatalf("TryAccept: %v", err)
	}
	if got.Status != models.StatusAccepted || got.OperatorName() != "alice" {
		t.Errorf("TryAccept = status %q operator %q", got.Status, got.OperatorName())
	}
	if id, ok := r.CurrentSession("alice"); !ok || id != s.ChatID {
		t.Errorf("CurrentSession(alice) = %d, %v; want %d, true", id, ok, s.ChatID)
	}

	stored, _ := r.GetSession(ctx, s.ChatID)
	if stored.Status != models.StatusAccepted || stored.OperatorName() != "alice" {
		t.Errorf("stored session = status %q operator %q", stored.Status, stored.OperatorName())
	}
}

func TestTryAccept_Errors(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s1, _ := r.CreateSession(ctx, "v1", "")
	s2, _ := r.CreateSession(ctx, "v2", "")
	s3, _ := r.CreateSession(ctx, "v3", "")

	if _, err := r.TryAccept(ctx, s1.ChatID, "alice"); err != nil {
		t.Fatalf("TryAccept: %v", err)
	}

	got, err := r.TryAccept(ctx, s1.ChatID, "bob")
	if !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("second accept error = %v, want ErrAlreadyAccepted", err)
	}
	if got == nil || got.OperatorName() != "alice" {
		t.Errorf("second accept session = %+v, want owner alice", got)
	}

	if _, err := r.TryAccept(ctx, s2.ChatID, "alice"); !errors.Is(err, ErrOperatorBusy) {
		t.Errorf("busy accept error = %v, want ErrOperatorBusy", err)
	}

	if _, err := r.Cancel(ctx, s3.ChatID, "carol"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := r.TryAccept(ctx, s3.ChatID, "bob"); !errors.Is(err, ErrNotWaiting) {
		t.Errorf("accept cancelled error = %v, want ErrNotWaiting", err)
	}

	if _, err := r.TryAccept(ctx, 999, "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("accept missing error = %v, want ErrNotFound", err)
	}
}

func TestTryAccept_ConcurrentExactlyOneWins(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.CreateSession(ctx, "v", "hi")

	operators := []string{"alice", "bob", "carol", "dave", "erin", "frank"}
	var wins, lost atomic.Int32
	var wg sync.WaitGroup
	for _, op := range operators {
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			_, err := r.TryAccept(ctx, s.ChatID, op)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyAccepted):
				lost.Add(1)
			default:
				t.Errorf("TryAccept(%s) unexpected error: %v", op, err)
			}
		}(op)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
	if lost.Load() != int32(len(operators)-1) {
		t.Errorf("losers = %d, want %d", lost.Load(), len(operators)-1)
	}
	if n := len(r.Assignments()); n != 1 {
		t.Errorf("assignments = %d, want 1", n)
	}
}

func TestCancel(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.CreateSession(ctx, "v", "")

	got, err := r.Cancel(ctx, s.ChatID, "alice")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != models.StatusCancelled || got.ClosedBy != "alice" {
		t.Errorf("Cancel = status %q closed by %q", got.Status, got.ClosedBy)
	}

	stored, _ := r.GetSession(ctx, s.ChatID)
	if stored.Status != models.StatusCancelled || stored.ClosedAt == nil {
		t.Errorf("stored = status %q closed_at %v", stored.Status, stored.ClosedAt)
	}

	if _, err := r.Cancel(ctx, s.ChatID, "bob"); !errors.Is(err, ErrNotWaiting) {
		t.Errorf("second cancel error = %v, want ErrNotWaiting", err)
	}
	if _, err := r.Cancel(ctx, 999, "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel missing error = %v, want ErrNotFound", err)
	}
}

func TestCancel_AcceptedRefused(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.CreateSession(ctx, "v", "")
	r.TryAccept(ctx, s.ChatID, "alice")

	got, err := r.Cancel(ctx, s.ChatID, "bob")
	if !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("Cancel error = %v, want ErrNotWaiting", err)
	}
	if got == nil || got.Status != models.StatusAccepted {
		t.Errorf("Cancel session = %+v, want accepted", got)
	}
}

func TestFinish(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.CreateSession(ctx, "v", "")
	r.TryAccept(ctx, s.ChatID, "alice")

	got, err := r.Finish(ctx, "alice")
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got.ChatID != s.ChatID || got.Status != models.StatusFinished {
		t.Errorf("Finish = chat %d status %q", got.ChatID, got.Status)
	}
	if _, ok := r.CurrentSession("alice"); ok {
		t.Error("alice still assigned after Finish")
	}
	if _, err := r.Finish(ctx, "alice"); !errors.Is(err, ErrNotBusy) {
		t.Errorf("second Finish error = %v, want ErrNotBusy", err)
	}

	// Idle again, alice can accept another chat.
	s2, _ := r.CreateSession(ctx, "v2", "")
	if _, err := r.TryAccept(ctx, s2.ChatID, "alice"); err != nil {
		t.Errorf("TryAccept after Finish: %v", err)
	}
}

func TestFinish_StaleAssignment(t *testing.T) {
	r, db, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.CreateSession(ctx, "v", "")
	r.TryAccept(ctx, s.ChatID, "alice")

	// Another writer closed the row behind the registry's back.
	db.Model(&models.Session{}).Where("chat_id = ?", s.ChatID).Update("status", models.StatusFinished)

	if _, err := r.Finish(ctx, "alice"); !errors.Is(err, ErrNotBusy) {
		t.Fatalf("Finish error = %v, want ErrNotBusy", err)
	}
	if _, ok := r.CurrentSession("alice"); ok {
		t.Error("stale assignment kept")
	}
}

func TestAppendMessage(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.CreateSession(ctx, "v", "")

	texts := []string{"one", "two", "three"}
	for _, txt := range texts {
		if _, err := r.AppendMessage(ctx, s.ChatID, models.ToOperator, models.KindChat, txt); err != nil {
			t.Fatalf("AppendMessage(%q): %v", txt, err)
		}
	}
	msgs, err := r.Messages(ctx, s.ChatID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != len(texts) {
		t.Fatalf("len(Messages) = %d, want %d", len(msgs), len(texts))
	}
	for i, m := range msgs {
		if m.Text != texts[i] {
			t.Errorf("Messages[%d] = %q, want %q", i, m.Text, texts[i])
		}
	}

	if _, err := r.AppendMessage(ctx, 999, models.ToOperator, models.KindChat, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("append to missing error = %v, want ErrNotFound", err)
	}
}

func TestClaimUnannounced_AtMostOnce(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a, _ := r.CreateSession(ctx, "a", "")
	b, _ := r.CreateSession(ctx, "b", "")

	got, err := r.ClaimUnannounced(ctx)
	if err != nil {
		t.Fatalf("ClaimUnannounced: %v", err)
	}
	if len(got) != 2 || got[0].ChatID != a.ChatID || got[1].ChatID != b.ChatID {
		t.Fatalf("first claim = %v", chatIDs(got))
	}
	if got[0].NotifiedAt == nil {
		t.Error("NotifiedAt not set on claimed session")
	}

	again, err := r.ClaimUnannounced(ctx)
	if err != nil {
		t.Fatalf("ClaimUnannounced: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim = %v, want empty", chatIDs(again))
	}

	c, _ := r.CreateSession(ctx, "c", "")
	third, _ := r.ClaimUnannounced(ctx)
	if len(third) != 1 || third[0].ChatID != c.ChatID {
		t.Errorf("third claim = %v, want [%d]", chatIDs(third), c.ChatID)
	}
}

func TestClaimForOperators(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s1, _ := r.CreateSession(ctx, "v1", "")
	s2, _ := r.CreateSession(ctx, "v2", "")

	r.AppendMessage(ctx, s1.ChatID, models.ToOperator, models.KindChat, "early")
	r.AppendMessage(ctx, s2.ChatID, models.ToOperator, models.KindChat, "still waiting")

	// Nothing is handed out while the session waits.
	if got, _ := r.ClaimForOperators(ctx, 0); len(got) != 0 {
		t.Fatalf("claim before accept = %d deliveries, want 0", len(got))
	}

	r.TryAccept(ctx, s1.ChatID, "alice")
	r.AppendMessage(ctx, s1.ChatID, models.ToOperator, models.KindChat, "late")
	r.AppendMessage(ctx, s1.ChatID, models.ToVisitor, models.KindChat, "reply")

	got, err := r.ClaimForOperators(ctx, 0)
	if err != nil {
		t.Fatalf("ClaimForOperators: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(got))
	}
	if got[0].Message.Text != "early" || got[1].Message.Text != "late" {
		t.Errorf("delivery order = %q, %q", got[0].Message.Text, got[1].Message.Text)
	}
	for _, d := range got {
		if d.Operator != "alice" {
			t.Errorf("delivery operator = %q, want alice", d.Operator)
		}
	}

	if again, _ := r.ClaimForOperators(ctx, s1.ChatID); len(again) != 0 {
		t.Errorf("second claim = %d deliveries, want 0", len(again))
	}
}

func TestClaimForOperators_FiltersByChat(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s1, _ := r.CreateSession(ctx, "v1", "")
	s2, _ := r.CreateSession(ctx, "v2", "")
	r.TryAccept(ctx, s1.ChatID, "alice")
	r.TryAccept(ctx, s2.ChatID, "bob")
	r.AppendMessage(ctx, s1.ChatID, models.ToOperator, models.KindChat, "for alice")
	r.AppendMessage(ctx, s2.ChatID, models.ToOperator, models.KindChat, "for bob")

	got, err := r.ClaimForOperators(ctx, s2.ChatID)
	if err != nil {
		t.Fatalf("ClaimForOperators: %v", err)
	}
	if len(got) != 1 || got[0].Operator != "bob" || got[0].Message.Text != "for bob" {
		t.Fatalf("filtered claim = %+v", got)
	}
	rest, _ := r.ClaimForOperators(ctx, 0)
	if len(rest) != 1 || rest[0].Operator != "alice" {
		t.Errorf("remaining claim = %+v", rest)
	}
}

func TestNextForVisitor(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.CreateSession(ctx, "v", "")

	if m, err := r.NextForVisitor(ctx, s.ChatID); err != nil || m != nil {
		t.Fatalf("NextForVisitor on empty log = %v, %v; want nil, nil", m, err)
	}

	r.AppendMessage(ctx, s.ChatID, models.ToVisitor, models.KindNotice, "first")
	r.AppendMessage(ctx, s.ChatID, models.ToOperator, models.KindChat, "not for the visitor")
	r.AppendMessage(ctx, s.ChatID, models.ToVisitor, models.KindChat, "second")

	for _, want := range []string{"first", "second"} {
		m, err := r.NextForVisitor(ctx, s.ChatID)
		if err != nil {
			t.Fatalf("NextForVisitor: %v", err)
		}
		if m == nil || m.Text != want {
			t.Fatalf("NextForVisitor = %+v, want %q", m, want)
		}
		if m.DeliveredAt == nil {
			t.Error("DeliveredAt not set")
		}
	}
	if m, _ := r.NextForVisitor(ctx, s.ChatID); m != nil {
		t.Errorf("NextForVisitor after drain = %q, want nil", m.Text)
	}
}

func TestExpireWaiting(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	ctx := context.Background()
	old, _ := r.CreateSession(ctx, "old", "")
	accepted, _ := r.CreateSession(ctx, "accepted", "")
	r.TryAccept(ctx, accepted.ChatID, "alice")
	clk.Advance(10 * time.Minute)
	fresh, _ := r.CreateSession(ctx, "fresh", "")

	expired, err := r.ExpireWaiting(ctx, clk.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ExpireWaiting: %v", err)
	}
	if len(expired) != 1 || expired[0].ChatID != old.ChatID {
		t.Fatalf("expired = %v, want [%d]", chatIDs(expired), old.ChatID)
	}
	if expired[0].ClosedBy != "timeout" {
		t.Errorf("ClosedBy = %q, want timeout", expired[0].ClosedBy)
	}

	for id, want := range map[uint]models.SessionStatus{
		old.ChatID:      models.StatusCancelled,
		accepted.ChatID: models.StatusAccepted,
		fresh.ChatID:    models.StatusWaiting,
	} {
		s, _ := r.GetSession(ctx, id)
		if s.Status != want {
			t.Errorf("chat #%d status = %q, want %q", id, s.Status, want)
		}
	}
}

func TestRecover(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	first, err := New(ctx, Opts{DB: db})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s1, _ := first.CreateSession(ctx, "v1", "")
	s2, _ := first.CreateSession(ctx, "v2", "")
	first.TryAccept(ctx, s1.ChatID, "alice")

	restarted, err := New(ctx, Opts{DB: db, Operators: []string{"alice", "bob"}})
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	if id, ok := restarted.CurrentSession("alice"); !ok || id != s1.ChatID {
		t.Errorf("restored alice = %d, %v; want %d, true", id, ok, s1.ChatID)
	}
	if _, err := restarted.TryAccept(ctx, s2.ChatID, "alice"); !errors.Is(err, ErrOperatorBusy) {
		t.Errorf("TryAccept after restore error = %v, want ErrOperatorBusy", err)
	}
}

func TestRecover_DuplicateAssignment(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	alice := "alice"
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []models.Session{
		{Status: models.StatusAccepted, VisitorLabel: "older", Operator: &alice, CreatedAt: t0, UpdatedAt: t0},
		{Status: models.StatusAccepted, VisitorLabel: "newer", Operator: &alice, CreatedAt: t0, UpdatedAt: t0.Add(time.Minute)},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	r, err := New(ctx, Opts{DB: db})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, ok := r.CurrentSession("alice")
	if !ok || id != rows[1].ChatID {
		t.Fatalf("alice = %d, %v; want %d", id, ok, rows[1].ChatID)
	}
	older, _ := r.GetSession(ctx, rows[0].ChatID)
	if older.Status != models.StatusFinished {
		t.Errorf("older session status = %q, want finished", older.Status)
	}
	if got := r.Recovered(); len(got) != 1 || got[0] != rows[0].ChatID {
		t.Errorf("Recovered = %v, want [%d]", got, rows[0].ChatID)
	}
}

func TestRecover_UnconfiguredOperator(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	gone, alice := "mallory", "alice"
	rows := []models.Session{
		{Status: models.StatusAccepted, VisitorLabel: "orphan", Operator: &gone},
		{Status: models.StatusAccepted, VisitorLabel: "kept", Operator: &alice},
		{Status: models.StatusAccepted, VisitorLabel: "nobody"},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	r, err := New(ctx, Opts{DB: db, Operators: []string{"alice"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.Assignments(); len(got) != 1 || got["alice"] != rows[1].ChatID {
		t.Errorf("assignments = %v, want only alice", got)
	}
	for _, i := range []int{0, 2} {
		s, err := r.GetSession(ctx, rows[i].ChatID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if s.Status != models.StatusFinished || s.ClosedAt == nil {
			t.Errorf("%s: status = %q, closed_at = %v; want finished", s.VisitorLabel, s.Status, s.ClosedAt)
		}
	}
	if s, _ := r.GetSession(ctx, rows[1].ChatID); s.Status != models.StatusAccepted {
		t.Errorf("kept: status = %q, want accepted", s.Status)
	}
	want := fmt.Sprint([]uint{rows[0].ChatID, rows[2].ChatID})
	if got := fmt.Sprint(r.Recovered()); got != want {
		t.Errorf("Recovered = %s, want %s", got, want)
	}

	again, err := New(ctx, Opts{DB: db, Operators: []string{"alice"}})
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	if got := again.Recovered(); len(got) != 0 {
		t.Errorf("second start Recovered = %v, want none", got)
	}
}

func TestAppendIfOpen(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.CreateSession(ctx, "v", "")

	msg, status, err := r.AppendIfOpen(ctx, s.ChatID, models.ToOperator, models.KindChat, "waiting text")
	if err != nil {
		t.Fatalf("AppendIfOpen: %v", err)
	}
	if status != models.StatusWaiting || msg.ID == 0 {
		t.Errorf("status = %q, id = %d; want waiting and a stored message", status, msg.ID)
	}

	r.TryAccept(ctx, s.ChatID, "alice")
	if _, status, _ := r.AppendIfOpen(ctx, s.ChatID, models.ToOperator, models.KindChat, "accepted text"); status != models.StatusAccepted {
		t.Errorf("status = %q, want accepted", status)
	}

	r.Finish(ctx, "alice")
	if _, _, err := r.AppendIfOpen(ctx, s.ChatID, models.ToOperator, models.KindChat, "late"); !errors.Is(err, ErrNotWaiting) {
		t.Errorf("append to finished session error = %v, want ErrNotWaiting", err)
	}
	msgs, _ := r.Messages(ctx, s.ChatID)
	for _, m := range msgs {
		if m.Text == "late" {
			t.Error("text was stored on a finished session")
		}
	}

	if _, _, err := r.AppendIfOpen(ctx, 999, models.ToOperator, models.KindChat, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("append to missing session error = %v, want ErrNotFound", err)
	}
}

func TestAppendIfOpen_RacesWithCancel(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		s, _ := r.CreateSession(ctx, "v", "")
		var wg sync.WaitGroup
		var appendErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, appendErr = r.AppendIfOpen(ctx, s.ChatID, models.ToOperator, models.KindChat, "racing")
		}()
		go func() {
			defer wg.Done()
			r.Cancel(ctx, s.ChatID, "visitor")
		}()
		wg.Wait()

		msgs, _ := r.Messages(ctx, s.ChatID)
		stored := 0
		for _, m := range msgs {
			if m.Text == "racing" {
				stored++
			}
		}
		switch {
		case appendErr == nil && stored != 1:
			t.Fatalf("chat #%d: append succeeded but %d copies stored", s.ChatID, stored)
		case errors.Is(appendErr, ErrNotWaiting) && stored != 0:
			t.Fatalf("chat #%d: append rejected but text stored", s.ChatID)
		case appendErr != nil && !errors.Is(appendErr, ErrNotWaiting):
			t.Fatalf("chat #%d: unexpected error %v", s.ChatID, appendErr)
		}
	}
}

func TestStorageError(t *testing.T) {
	r, db, _ := newTestRegistry(t)
	sqlDB, _ := db.DB()
	sqlDB.Close()

	_, err := r.CreateSession(context.Background(), "v", "")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("CreateSession on closed store error = %v, want *StorageError", err)
	}
	if se.Op != "create session" {
		t.Errorf("Op = %q, want %q", se.Op, "create session")
	}
}

func chatIDs(ss []models.Session) []uint {
	out := make([]uint, len(ss))
	for i, s := range ss {
		out[i] = s.ChatID
	}
	return out
}
