// Package presence tracks which configured operators are online.
package presence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/seshat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Event is a presence change reported by the messaging network.
type Event struct {
	Address string
	Online  bool
	At      time.Time
}

// Mirror persists presence so processes other than the broker can read it.
type Mirror interface {
	SetOnline(ctx context.Context, address string, online bool) error
}

// Tracker holds the last reported presence of every configured operator.
// Events for unknown addresses are ignored; otherwise the last event wins.
type Tracker struct {
	operators []string
	mirror    Mirror

	mu     sync.RWMutex
	online map[string]bool
	since  map[string]time.Time
}

// Opts holds parameters for creating a Tracker.
type Opts struct {
	Operators []string // configured operator addresses, in display order
	Mirror    Mirror   // optional
}

// New creates a Tracker with every operator offline.
func New(opts Opts) (*Tracker, error) {
	if len(opts.Operators) == 0 {
		return nil, fmt.Errorf("presence: at least one operator is required")
	}
	ops := make([]string, len(opts.Operators))
	copy(ops, opts.Operators)
	t := &Tracker{
		operators: ops,
		mirror:    opts.Mirror,
		online:    make(map[string]bool, len(ops)),
		since:     make(map[string]time.Time, len(ops)),
	}
	for _, op := range ops {
		t.online[op] = false
	}
	return t, nil
}

// Apply records ev and reports whether the operator's state flipped.
func (t *Tracker) Apply(ctx context.Context, ev Event) bool {
	t.mu.Lock()
	prev, known := t.online[ev.Address]
	if !known {
		t.mu.Unlock()
		return false
	}
	t.online[ev.Address] = ev.Online
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	t.since[ev.Address] = at
	t.mu.Unlock()

	changed := prev != ev.Online
	if changed {
		log.Printf("presence: %s is now %s", ev.Address, stateName(ev.Online))
		if t.mirror != nil {
			if err := t.mirror.SetOnline(ctx, ev.Address, ev.Online); err != nil {
				log.Printf("presence: mirror %s: %v", ev.Address, err)
			}
		}
	}
	return changed
}

// Run applies events until ctx is cancelled or the channel closes. onChange,
// if non-nil, is called after every state flip.
func (t *Tracker) Run(ctx context.Context, events <-chan Event, onChange func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if t.Apply(ctx, ev) && onChange != nil {
				onChange(ev)
			}
		}
	}
}

// IsOnline reports whether address is a configured operator that is online.
func (t *Tracker) IsOnline(address string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[address]
}

// IsOperator reports whether address is a configured operator.
func (t *Tracker) IsOperator(address string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[address]
	return ok
}

// Online returns the online operators in configuration order.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, op := range t.operators {
		if t.online[op] {
			out = append(out, op)
		}
	}
	return out
}

// Operators returns every configured operator.
func (t *Tracker) Operators() []string {
	out := make([]string, len(t.operators))
	copy(out, t.operators)
	return out
}

// Since returns when address last changed presence (zero if never).
func (t *Tracker) Since(address string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.since[address]
}

func stateName(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// DBMirror writes presence into the operators table.
type DBMirror struct {
	DB *gorm.DB
}

// SetOnline upserts the operator's presence row.
func (m DBMirror) SetOnline(ctx context.Context, address string, online bool) error {
	row := models.OperatorPresence{Address: address, Online: online, UpdatedAt: time.Now()}
	err := m.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"online", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("presence: set %s online=%t: %w", address, online, err)
	}
	return nil
}

// AnyOnline reports whether the store lists at least one online operator.
// It reads the mirror, so it works from processes other than the broker.
func AnyOnline(ctx context.Context, db *gorm.DB) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&models.OperatorPresence{}).
		Where("online = ?", true).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("presence: count online: %w", err)
	}
	return count > 0, nil
}
