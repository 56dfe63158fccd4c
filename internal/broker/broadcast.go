package broker

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/seshat/internal/models"
	"github.com/zulandar/seshat/internal/presence"
)

// Broadcaster tells operators about sessions waiting to be accepted.
type Broadcaster struct {
	presence *presence.Tracker
	adapter  Adapter
	router   *Router
}

// BroadcasterOpts holds parameters for creating a Broadcaster.
type BroadcasterOpts struct {
	Presence *presence.Tracker
	Adapter  Adapter
	Router   *Router // optional; used to tell visitors nobody is online
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(opts BroadcasterOpts) (*Broadcaster, error) {
	if opts.Presence == nil {
		return nil, fmt.Errorf("broker: broadcaster: presence is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("broker: broadcaster: adapter is required")
	}
	return &Broadcaster{
		presence: opts.Presence,
		adapter:  opts.Adapter,
		router:   opts.Router,
	}, nil
}

// Announce sends the request for s to every operator who is online right
// now and returns the ones it reached. With nobody online the visitor is
// told so and the session stays WAITING.
func (b *Broadcaster) Announce(ctx context.Context, s models.Session) []string {
	online := b.presence.Online()
	if len(online) == 0 {
		log.Printf("broker: chat #%d: no operators online", s.ChatID)
		if b.router != nil {
			b.router.NotifyVisitor(ctx, s.ChatID, NoticeUnavailable)
		}
		return nil
	}

	var reached []string
	for _, op := range online {
		text := FormatAnnouncement(s, excluding(online, op))
		if err := b.adapter.Send(ctx, OutboundMessage{To: op, Text: text}); err != nil {
			log.Printf("broker: announce chat #%d to %s: %v", s.ChatID, op, err)
			continue
		}
		reached = append(reached, op)
	}
	return reached
}

// SendWaiting sends the current waiting list to one operator. It does
// nothing when the list is empty.
func (b *Broadcaster) SendWaiting(ctx context.Context, operator string, waiting []models.Session) {
	if len(waiting) == 0 {
		return
	}
	if err := b.adapter.Send(ctx, OutboundMessage{To: operator, Text: FormatWaiting(waiting)}); err != nil {
		log.Printf("broker: send waiting list to %s: %v", operator, err)
	}
}

// Reannounce sends the waiting list to every online operator.
func (b *Broadcaster) Reannounce(ctx context.Context, waiting []models.Session) int {
	if len(waiting) == 0 {
		return 0
	}
	n := 0
	for _, op := range b.presence.Online() {
		b.SendWaiting(ctx, op, waiting)
		n++
	}
	return n
}
