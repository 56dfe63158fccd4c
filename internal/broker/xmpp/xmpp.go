// Package xmpp implements the broker Adapter for XMPP (Jabber). Operators are
// addressed by bare JID and their presence comes from the broker's roster.
package xmpp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	goxmpp "github.com/xmppo/go-xmpp"
	"github.com/zulandar/seshat/internal/broker"
	"github.com/zulandar/seshat/internal/presence"
)

const (
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// client abstracts the go-xmpp client methods we use, enabling test mocks.
type client interface {
	Recv() (interface{}, error)
	Send(chat goxmpp.Chat) (int, error)
	Close() error
}

// dialFunc opens an authenticated XMPP stream.
type dialFunc func(opts goxmpp.Options) (client, error)

func dialReal(opts goxmpp.Options) (client, error) {
	return opts.NewClient()
}

// Adapter implements broker.Adapter over a single XMPP client stream.
type Adapter struct {
	opts         goxmpp.Options
	dial         dialFunc
	jid          string // bare JID of the broker account
	mu           sync.Mutex
	conn         client
	connected    bool
	closed       bool
	receiving    bool
	inbound      chan broker.InboundMessage
	presence     chan presence.Event
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating an XMPP Adapter.
type AdapterOpts struct {
	Username           string // user@domain
	Password           string
	Host               string // host:port; defaults to the username's domain on 5222
	Resource           string
	NoTLS              bool
	StartTLS           bool
	InsecureSkipVerify bool
	// For testing: replace the network dialer.
	Dial dialFunc
}

// New creates an XMPP Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	user := bareJID(opts.Username)
	_, domain, ok := strings.Cut(user, "@")
	if !ok || domain == "" {
		return nil, fmt.Errorf("xmpp: username %q must be user@domain", opts.Username)
	}
	host := opts.Host
	if host == "" {
		host = domain + ":5222"
	}
	dial := opts.Dial
	if dial == nil {
		dial = dialReal
	}

	return &Adapter{
		opts: goxmpp.Options{
			Host:          host,
			User:          user,
			Password:      opts.Password,
			Resource:      opts.Resource,
			NoTLS:         opts.NoTLS,
			StartTLS:      opts.StartTLS,
			TLSConfig:     &tls.Config{ServerName: domain, InsecureSkipVerify: opts.InsecureSkipVerify},
			Session:       true,
			Status:        "chat",
			StatusMessage: "Seshat chat broker",
		},
		dial:         dial,
		jid:          user,
		inbound:      make(chan broker.InboundMessage, 100),
		presence:     make(chan presence.Event, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates and opens the XMPP stream.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("xmpp: adapter already closed")
	}
	if a.connected {
		return nil
	}
	conn, err := a.dial(a.opts)
	if err != nil {
		return fmt.Errorf("xmpp: connect to %s as %s: %w", a.opts.Host, a.jid, err)
	}
	a.conn = conn
	a.connected = true
	log.Printf("xmpp: connected to %s as %s", a.opts.Host, a.jid)
	return nil
}

// Listen starts the receive loop and returns the channel of chat messages.
func (a *Adapter) Listen(ctx context.Context) (<-chan broker.InboundMessage, error) {
	if err := a.startReceiving(ctx); err != nil {
		return nil, err
	}
	return a.inbound, nil
}

// Presence starts the receive loop and returns the channel of presence
// changes.
func (a *Adapter) Presence(ctx context.Context) (<-chan presence.Event, error) {
	if err := a.startReceiving(ctx); err != nil {
		return nil, err
	}
	return a.presence, nil
}

func (a *Adapter) startReceiving(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("xmpp: not connected")
	}
	if !a.receiving {
		a.receiving = true
		go a.recvLoop(ctx)
	}
	return nil
}

// Send delivers text to a JID as a chat message.
func (a *Adapter) Send(ctx context.Context, msg broker.OutboundMessage) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.connected
	a.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("xmpp: not connected")
	}
	if msg.To == "" {
		return fmt.Errorf("xmpp: no recipient specified")
	}
	if _, err := conn.Send(goxmpp.Chat{Remote: msg.To, Type: "chat", Text: msg.Text}); err != nil {
		return fmt.Errorf("xmpp: send to %s: %w", msg.To, err)
	}
	return nil
}

// Close ends the stream and closes the adapter's channels.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	close(a.inbound)
	close(a.presence)
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// BotAddress returns the broker's bare JID.
func (a *Adapter) BotAddress() string { return a.jid }

// recvLoop reads stanzas until the adapter is closed, reconnecting with
// exponential backoff when the stream fails. When reconnection gives up the
// adapter is closed so the broker sees the lost connection.
func (a *Adapter) recvLoop(ctx context.Context) {
	attempt := 0
	for {
		a.mu.Lock()
		conn, closed := a.conn, a.closed
		a.mu.Unlock()
		if closed {
			return
		}

		stanza, err := conn.Recv()
		if err == nil {
			attempt = 0
			a.handleStanza(stanza)
			continue
		}

		a.mu.Lock()
		closed = a.closed
		a.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		log.Printf("xmpp: stream error: %v", err)

		if !a.reconnect(ctx, &attempt) {
			log.Printf("xmpp: exhausted %d reconnection attempts, giving up", a.maxReconnect)
			a.Close()
			return
		}
	}
}

// reconnect replaces the stream, waiting before each try. It reports whether
// a new stream is up.
func (a *Adapter) reconnect(ctx context.Context, attempt *int) bool {
	for *attempt < a.maxReconnect {
		wait := time.Duration(math.Pow(2, float64(*attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		*attempt++
		log.Printf("xmpp: reconnecting in %v (attempt %d/%d)", wait, *attempt, a.maxReconnect)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		conn, err := a.dial(a.opts)
		if err != nil {
			log.Printf("xmpp: reconnect: %v", err)
			continue
		}
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			conn.Close()
			return false
		}
		old := a.conn
		a.conn = conn
		a.mu.Unlock()
		if old != nil {
			old.Close()
		}
		log.Printf("xmpp: reconnected to %s", a.opts.Host)
		return true
	}
	return false
}

// handleStanza converts chat messages and presence to broker events. Other
// stanzas are ignored.
func (a *Adapter) handleStanza(stanza interface{}) {
	switch v := stanza.(type) {
	case goxmpp.Chat:
		if v.Type != "chat" && v.Type != "normal" && v.Type != "" {
			return
		}
		from := bareJID(v.Remote)
		if from == "" || v.Text == "" || from == a.jid {
			return
		}
		stamp := v.Stamp
		if stamp.IsZero() {
			stamp = time.Now()
		}
		a.emitMessage(broker.InboundMessage{
			Platform:  "xmpp",
			From:      from,
			UserName:  from,
			Text:      v.Text,
			Timestamp: stamp,
		})

	case goxmpp.Presence:
		online, ok := presenceState(v)
		from := bareJID(v.From)
		if !ok || from == "" || from == a.jid {
			return
		}
		a.emitPresence(presence.Event{Address: from, Online: online, At: time.Now()})
	}
}

// presenceState interprets a presence stanza. An operator is online only
// when available with no <show/>; away, xa and dnd all count as offline.
// Subscription and error stanzas carry no state.
func presenceState(p goxmpp.Presence) (online, ok bool) {
	switch p.Type {
	case "":
		return p.Show == "", true
	case "unavailable":
		return false, true
	default:
		return false, false
	}
}

func (a *Adapter) emitMessage(msg broker.InboundMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("xmpp: inbound queue full, dropped message from %s", msg.From)
	}
}

func (a *Adapter) emitPresence(ev presence.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.presence <- ev:
	default:
		log.Printf("xmpp: presence queue full, dropped update for %s", ev.Address)
	}
}

// bareJID strips the resource from a full JID.
func bareJID(jid string) string {
	bare, _, _ := strings.Cut(strings.TrimSpace(jid), "/")
	return bare
}
