// Package registry owns session records and their state transitions. It is
// the only component allowed to mutate session or operator-assignment state.
//
// Every mutation runs under a single mutex, inside one store transaction, so
// concurrent accept races resolve deterministically and readers never observe
// a half-applied transition. Network sends are the caller's business and must
// happen after the registry call returns.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/seshat/internal/models"
	"gorm.io/gorm"
)

// Sentinel errors returned by registry operations. Callers compare with
// errors.Is; a non-nil *models.Session returned alongside one of these holds
// the session's state at the time of the check.
var (
	ErrNotFound        = errors.New("registry: session not found")
	ErrAlreadyAccepted = errors.New("registry: session already accepted")
	ErrNotWaiting      = errors.New("registry: session is not waiting")
	ErrOperatorBusy    = errors.New("registry: operator already handling a session")
	ErrNotBusy         = errors.New("registry: operator is not handling a session")
)

// StorageError reports a failure of the persistent store. The triggering
// operation had no effect.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("registry: %s: storage: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// defaultLabel names visitors that did not identify themselves.
const defaultLabel = "Anonymous"

// Registry is the session registry. Construct it once with New.
type Registry struct {
	db        *gorm.DB
	now       func() time.Time
	operators map[string]bool // nil means any address

	mu        sync.Mutex
	busy      map[string]uint // operator address -> accepted chat ID
	recovered []uint          // chats finished while rebuilding assignments
}

// Opts holds parameters for creating a Registry.
type Opts struct {
	DB        *gorm.DB
	Now       func() time.Time // defaults to time.Now
	Operators []string         // configured operators; accepted chats of others are finished on startup
}

// Delivery is a visitor message claimed for hand-off to its operator.
type Delivery struct {
	Message  models.Message
	Operator string
}

// New creates a Registry and rebuilds operator assignments from the
// ACCEPTED sessions already in the store.
func New(ctx context.Context, opts Opts) (*Registry, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		db:   opts.DB,
		now:  now,
		busy: make(map[string]uint),
	}
	if len(opts.Operators) > 0 {
		r.operators = make(map[string]bool, len(opts.Operators))
		for _, op := range opts.Operators {
			r.operators[op] = true
		}
	}
	if err := r.recover(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// recover loads ACCEPTED sessions into the busy map. Sessions nobody can
// finish are closed: those with no operator, those whose operator is no
// longer configured, and all but the most recently updated one when an
// operator holds several.
func (r *Registry) recover(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var accepted []models.Session
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusAccepted).
		Order("updated_at ASC, chat_id ASC").
		Find(&accepted).Error; err != nil {
		return &StorageError{Op: "recover", Err: err}
	}

	for _, s := range accepted {
		op := s.OperatorName()
		switch {
		case op == "":
			log.Printf("registry: chat #%d is accepted but has no operator; finishing it", s.ChatID)
			if err := r.finishOrphanLocked(ctx, s.ChatID, op); err != nil {
				return err
			}
			continue
		case r.operators != nil && !r.operators[op]:
			log.Printf("registry: chat #%d belongs to %s, who is no longer an operator; finishing it", s.ChatID, op)
			if err := r.finishOrphanLocked(ctx, s.ChatID, op); err != nil {
				return err
			}
			continue
		}
		if prev, ok := r.busy[op]; ok {
			log.Printf("registry: %s holds chats #%d and #%d; finishing #%d", op, prev, s.ChatID, prev)
			if err := r.finishOrphanLocked(ctx, prev, op); err != nil {
				return err
			}
		}
		r.busy[op] = s.ChatID
	}
	return nil
}

func (r *Registry) finishOrphanLocked(ctx context.Context, chatID uint, by string) error {
	err := r.closeLocked(ctx, r.db.WithContext(ctx), chatID, models.StatusAccepted, models.StatusFinished, by)
	if err != nil {
		return err
	}
	r.recovered = append(r.recovered, chatID)
	return nil
}

// Recovered returns the chats New finished while rebuilding operator
// assignments, in the order they were closed.
func (r *Registry) Recovered() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.recovered...)
}

// CreateSession inserts a new WAITING session and returns it with its
// freshly allocated chat ID and visitor token.
func (r *Registry) CreateSession(ctx context.Context, label, startMessage string) (*models.Session, error) {
	if label == "" {
		label = defaultLabel
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := &models.Session{
		Status:       models.StatusWaiting,
		VisitorLabel: label,
		StartMessage: startMessage,
		VisitorToken: uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, &StorageError{Op: "create session", Err: err}
	}
	return s, nil
}

// GetSession returns the session with the given chat ID.
func (r *Registry) GetSession(ctx context.Context, chatID uint) (*models.Session, error) {
	var s models.Session
	if err := r.db.WithContext(ctx).First(&s, "chat_id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "get session", Err: err}
	}
	return &s, nil
}

// ListWaiting returns all WAITING sessions, oldest first.
func (r *Registry) ListWaiting(ctx context.Context) ([]models.Session, error) {
	var out []models.Session
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusWaiting).
		Order("created_at ASC, chat_id ASC").
		Find(&out).Error; err != nil {
		return nil, &StorageError{Op: "list waiting", Err: err}
	}
	return out, nil
}

// TryAccept assigns a WAITING session to operator. Exactly one of any number
// of concurrent callers for the same chat ID succeeds; the others get
// ErrAlreadyAccepted. ErrNotWaiting means the session is already closed and
// ErrOperatorBusy means the operator is handling another chat.
func (r *Registry) TryAccept(ctx context.Context, chatID uint, operator string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s models.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&s, "chat_id = ?", chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		switch s.Status {
		case models.StatusAccepted:
			return ErrAlreadyAccepted
		case models.StatusFinished, models.StatusCancelled:
			return ErrNotWaiting
		}
		if _, busy := r.busy[operator]; busy {
			return ErrOperatorBusy
		}

		now := r.now()
		result := tx.Model(&models.Session{}).
			Where("chat_id = ? AND status = ?", chatID, models.StatusWaiting).
			Updates(map[string]interface{}{
				"status":     models.StatusAccepted,
				"operator":   operator,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Changed underneath us by another store writer.
			return ErrAlreadyAccepted
		}
		s.Status = models.StatusAccepted
		s.Operator = &operator
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		if s.ChatID == 0 {
			return nil, r.classify("try accept", err)
		}
		return &s, r.classify("try accept", err)
	}

	r.busy[operator] = chatID
	return &s, nil
}

// Cancel closes a WAITING session on behalf of requester.
func (r *Registry) Cancel(ctx context.Context, chatID uint, requester string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s models.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&s, "chat_id = ?", chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if s.Status != models.StatusWaiting {
			return ErrNotWaiting
		}
		if err := r.closeLocked(ctx, tx, chatID, models.StatusWaiting, models.StatusCancelled, requester); err != nil {
			return err
		}
		s.Status = models.StatusCancelled
		s.ClosedBy = requester
		return nil
	})
	if err != nil {
		if s.ChatID == 0 {
			return nil, r.classify("cancel", err)
		}
		return &s, r.classify("cancel", err)
	}
	return &s, nil
}

// Finish closes the session operator is handling and clears the assignment.
func (r *Registry) Finish(ctx context.Context, operator string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chatID, ok := r.busy[operator]
	if !ok {
		return nil, ErrNotBusy
	}

	if err := r.closeLocked(ctx, r.db.WithContext(ctx), chatID, models.StatusAccepted, models.StatusFinished, operator); err != nil {
		if errors.Is(err, ErrNotFound) {
			// The row left ACCEPTED without us; drop the stale assignment.
			log.Printf("registry: %s was assigned chat #%d but it is no longer accepted", operator, chatID)
			delete(r.busy, operator)
			return nil, ErrNotBusy
		}
		return nil, r.classify("finish", err)
	}
	delete(r.busy, operator)

	var s models.Session
	if err := r.db.WithContext(ctx).First(&s, "chat_id = ?", chatID).Error; err != nil {
		// The transition is committed; report it with what we know.
		return &models.Session{ChatID: chatID, Status: models.StatusFinished, Operator: &operator}, nil
	}
	return &s, nil
}

// closeLocked moves chatID from the from status to a terminal status. It
// returns ErrNotFound if no row matched. r.mu must be held.
func (r *Registry) closeLocked(ctx context.Context, tx *gorm.DB, chatID uint, from, to models.SessionStatus, by string) error {
	now := r.now()
	result := tx.Model(&models.Session{}).
		Where("chat_id = ? AND status = ?", chatID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"closed_at":  now,
			"closed_by":  by,
			"updated_at": now,
		})
	if result.Error != nil {
		return &StorageError{Op: "close session", Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage adds text to the end of a session's message log.
func (r *Registry) AppendMessage(ctx context.Context, chatID uint, dir models.Direction, kind models.MessageKind, text string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := &models.Message{
		ChatID:    chatID,
		Direction: dir,
		Kind:      kind,
		Text:      text,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		result := tx.Model(&models.Session{}).
			Where("chat_id = ?", chatID).
			Update("updated_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		msg.CreatedAt = now
		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, r.classify("append message", err)
	}
	return msg, nil
}

// AppendIfOpen adds text to the log of a session that is still WAITING or
// ACCEPTED and returns the status it had when the text was appended. The
// status check and the insert happen in one transaction, so a session closed
// concurrently either gets the text before closing or rejects it with
// ErrNotWaiting.
func (r *Registry) AppendIfOpen(ctx context.Context, chatID uint, dir models.Direction, kind models.MessageKind, text string) (*models.Message, models.SessionStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := &models.Message{
		ChatID:    chatID,
		Direction: dir,
		Kind:      kind,
		Text:      text,
	}
	var status models.SessionStatus
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Session
		if err := tx.Where("chat_id = ?", chatID).First(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if s.Status.Closed() {
			return ErrNotWaiting
		}
		status = s.Status
		now := r.now()
		if err := tx.Model(&models.Session{}).
			Where("chat_id = ?", chatID).
			Update("updated_at", now).Error; err != nil {
			return err
		}
		msg.CreatedAt = now
		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, "", r.classify("append message", err)
	}
	return msg, status, nil
}

// Messages returns the full log of a session in insertion order.
func (r *Registry) Messages(ctx context.Context, chatID uint) ([]models.Message, error) {
	var out []models.Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, &StorageError{Op: "messages", Err: err}
	}
	return out, nil
}

// CurrentSession returns the chat ID operator is handling, if any.
func (r *Registry) CurrentSession(operator string) (uint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.busy[operator]
	return id, ok
}

// Assignments returns a snapshot of every operator's current chat ID.
func (r *Registry) Assignments() map[string]uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint, len(r.busy))
	for k, v := range r.busy {
		out[k] = v
	}
	return out
}

// ClaimUnannounced returns WAITING sessions that have not been announced to
// operators yet and marks them announced. Each session is returned by at
// most one call.
func (r *Registry) ClaimUnannounced(ctx context.Context) ([]models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND notified_at IS NULL", models.StatusWaiting).
			Order("created_at ASC, chat_id ASC").
			Find(&out).Error; err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		ids := make([]uint, len(out))
		for i, s := range out {
			ids[i] = s.ChatID
		}
		now := r.now()
		for i := range out {
			out[i].NotifiedAt = &now
		}
		return tx.Model(&models.Session{}).
			Where("chat_id IN ?", ids).
			Update("notified_at", now).Error
	})
	if err != nil {
		return nil, r.classify("claim unannounced", err)
	}
	return out, nil
}

// ClaimForOperators returns undelivered visitor messages of ACCEPTED
// sessions, in insertion order, and marks them delivered. When chatID is
// non-zero only that session is considered. Messages of WAITING sessions stay
// queued until the session is accepted.
func (r *Registry) ClaimForOperators(ctx context.Context, chatID uint) ([]Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner := make(map[uint]string, len(r.busy))
	for op, id := range r.busy {
		if chatID == 0 || id == chatID {
			owner[id] = op
		}
	}
	if len(owner) == 0 {
		return nil, nil
	}
	ids := make([]uint, 0, len(owner))
	for id := range owner {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var msgs []models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id IN ? AND direction = ? AND delivered_at IS NULL",
			ids, models.ToOperator).
			Order("id ASC").
			Find(&msgs).Error; err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		msgIDs := make([]uint, len(msgs))
		for i, m := range msgs {
			msgIDs[i] = m.ID
		}
		return tx.Model(&models.Message{}).
			Where("id IN ?", msgIDs).
			Update("delivered_at", r.now()).Error
	})
	if err != nil {
		return nil, r.classify("claim for operators", err)
	}

	out := make([]Delivery, len(msgs))
	for i, m := range msgs {
		out[i] = Delivery{Message: m, Operator: owner[m.ChatID]}
	}
	return out, nil
}

// NextForVisitor claims the oldest undelivered message addressed to the
// visitor of chatID. It returns nil when nothing is queued.
func (r *Registry) NextForVisitor(ctx context.Context, chatID uint) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var msg models.Message
	found := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("chat_id = ? AND direction = ? AND delivered_at IS NULL", chatID, models.ToVisitor).
			Order("id ASC").
			First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		now := r.now()
		msg.DeliveredAt = &now
		return tx.Model(&models.Message{}).Where("id = ?", msg.ID).Update("delivered_at", now).Error
	})
	if err != nil {
		return nil, r.classify("next for visitor", err)
	}
	if !found {
		return nil, nil
	}
	return &msg, nil
}

// ExpireWaiting cancels every WAITING session created before cutoff and
// returns them.
func (r *Registry) ExpireWaiting(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []models.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND created_at < ?", models.StatusWaiting, cutoff).
			Order("created_at ASC, chat_id ASC").
			Find(&stale).Error; err != nil {
			return err
		}
		for i := range stale {
			if err := r.closeLocked(ctx, tx, stale[i].ChatID, models.StatusWaiting, models.StatusCancelled, "timeout"); err != nil {
				return err
			}
			stale[i].Status = models.StatusCancelled
			stale[i].ClosedBy = "timeout"
		}
		return nil
	})
	if err != nil {
		return nil, r.classify("expire waiting", err)
	}
	return stale, nil
}

// classify passes sentinel and storage errors through and wraps anything
// else as a StorageError.
func (r *Registry) classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyAccepted),
		errors.Is(err, ErrNotWaiting),
		errors.Is(err, ErrOperatorBusy),
		errors.Is(err, ErrNotBusy):
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
