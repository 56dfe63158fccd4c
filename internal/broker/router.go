package broker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/zulandar/seshat/internal/models"
	"github.com/zulandar/seshat/internal/registry"
)

// Router moves conversation text between an operator and the visitor of the
// session that operator is handling.
type Router struct {
	registry *registry.Registry
	adapter  Adapter

	// deliverMu keeps claim and send together so batches reach operators in
	// log order.
	deliverMu sync.Mutex
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Registry *registry.Registry
	Adapter  Adapter
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("broker: router: registry is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("broker: router: adapter is required")
	}
	return &Router{registry: opts.Registry, adapter: opts.Adapter}, nil
}

// RelayFromOperator appends text to the log of the session operator is
// handling, addressed to the visitor. It returns registry.ErrNotBusy if the
// operator is idle.
func (r *Router) RelayFromOperator(ctx context.Context, operator, text string) (uint, error) {
	chatID, ok := r.registry.CurrentSession(operator)
	if !ok {
		return 0, registry.ErrNotBusy
	}
	if _, err := r.registry.AppendMessage(ctx, chatID, models.ToVisitor, models.KindChat, text); err != nil {
		return chatID, err
	}
	return chatID, nil
}

// RelayFromVisitor appends text to the session's log, addressed to the
// operator, and delivers it right away when the session is ACCEPTED. Text
// sent while WAITING stays queued until someone accepts. Closed sessions
// reject text with registry.ErrNotWaiting.
func (r *Router) RelayFromVisitor(ctx context.Context, chatID uint, text string) error {
	_, status, err := r.registry.AppendIfOpen(ctx, chatID, models.ToOperator, models.KindChat, text)
	if err != nil {
		return err
	}
	if status == models.StatusAccepted {
		if _, err := r.Deliver(ctx, chatID); err != nil {
			log.Printf("broker: deliver chat #%d: %v", chatID, err)
		}
	}
	return nil
}

// Deliver sends every undelivered visitor message of accepted sessions to
// its operator and returns how many were sent. chatID 0 means all sessions.
// Messages are claimed before sending, so a failed send is logged and not
// retried.
func (r *Router) Deliver(ctx context.Context, chatID uint) (int, error) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	batch, err := r.registry.ClaimForOperators(ctx, chatID)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, d := range batch {
		if err := r.adapter.Send(ctx, OutboundMessage{To: d.Operator, Text: d.Message.Text}); err != nil {
			log.Printf("broker: deliver message %d of chat #%d to %s: %v", d.Message.ID, d.Message.ChatID, d.Operator, err)
			continue
		}
		sent++
	}
	return sent, nil
}

// NotifyVisitor queues a notice for the visitor of chatID.
func (r *Router) NotifyVisitor(ctx context.Context, chatID uint, text string) {
	if _, err := r.registry.AppendMessage(ctx, chatID, models.ToVisitor, models.KindNotice, text); err != nil {
		log.Printf("broker: notify visitor of chat #%d: %v", chatID, err)
	}
}
