// Package broker relays conversations between web visitors and operators on
// a presence-based messaging network (XMPP, Discord, Slack).
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/seshat/internal/presence"
)

// Adapter is the interface that network-specific implementations must
// satisfy. Each adapter owns connection management and authentication for a
// single messaging network.
type Adapter interface {
	// Connect logs in to the network.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound operator messages. The channel is
	// closed when the adapter is closed or the connection is lost for good.
	// Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Presence returns a channel of presence changes for any account the
	// broker can see. Must only be called after Connect.
	Presence(ctx context.Context) (<-chan presence.Event, error)

	// Send delivers text to a single address.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the connection.
	Close() error
}

// InboundMessage is a message received from the network.
type InboundMessage struct {
	Platform  string    // "xmpp", "discord", "slack"
	From      string    // sender address, as listed in localusers
	UserName  string    // human-readable sender name, if known
	Text      string    // raw message text
	Timestamp time.Time // when the message was sent
}

// OutboundMessage is a message to send to one address.
type OutboundMessage struct {
	To   string
	Text string
}

// BotAddresser is an optional interface that adapters can implement to
// expose the broker's own address. This enables self-message filtering.
type BotAddresser interface {
	BotAddress() string
}

// ConnectionError is returned when the broker cannot log in to the network
// after exhausting its retries. It is fatal.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker: connect failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
