// Package discord implements the broker Adapter for Discord. Operators are
// addressed by Discord user ID and talk to the broker in direct messages.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/seshat/internal/broker"
	"github.com/zulandar/seshat/internal/presence"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements broker.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess        session
	botToken    string
	botUserID   string
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan broker.InboundMessage
	presence    chan presence.Event
	dmChannels  map[string]string // user ID -> DM channel ID
	removers    []func()
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		inbound:     make(chan broker.InboundMessage, 100),
		presence:    make(chan presence.Event, 100),
		dmChannels:  make(map[string]string),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect opens the Gateway connection and registers event handlers.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent |
			discordgo.IntentsGuilds |
			discordgo.IntentsGuildMembers |
			discordgo.IntentsGuildPresences
		a.sess = &realSession{s: dg}
	}

	if len(a.removers) == 0 {
		a.removers = append(a.removers,
			a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
				a.mu.Lock()
				a.botUserID = r.User.ID
				a.mu.Unlock()
				log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
			}),
			a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
				log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
			}),
			a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				a.handleMessage(m)
			}),
			a.sess.AddHandler(func(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
				a.handlePresence(&p.Presence)
			}),
			a.sess.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				if g.Guild == nil {
					return
				}
				for _, p := range g.Presences {
					a.handlePresence(p)
				}
			}),
		)
	}

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen returns the channel of direct messages sent to the bot.
func (a *Adapter) Listen(ctx context.Context) (<-chan broker.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	return a.inbound, nil
}

// Presence returns the channel of presence changes.
func (a *Adapter) Presence(ctx context.Context) (<-chan presence.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	return a.presence, nil
}

// Send delivers text to a user by direct message.
func (a *Adapter) Send(ctx context.Context, msg broker.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()
	if msg.To == "" {
		return fmt.Errorf("discord: no recipient specified")
	}

	channelID, err := a.dmChannel(ctx, msg.To)
	if err != nil {
		return err
	}
	err = a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSend(channelID, msg.Text)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// dmChannel returns the DM channel with userID, creating it on first use.
func (a *Adapter) dmChannel(ctx context.Context, userID string) (string, error) {
	a.mu.Lock()
	id, ok := a.dmChannels[userID]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.UserChannelCreate(userID)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: open DM with %s: %w", userID, err)
	}
	a.mu.Lock()
	a.dmChannels[userID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	close(a.inbound)
	close(a.presence)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotAddress returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotAddress() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// handleMessage converts a direct message to an InboundMessage. Guild
// channel traffic is ignored.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	if m.GuildID != "" || m.Author.Bot {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || m.Author.ID == a.botUserID {
		return
	}
	a.dmChannels[m.Author.ID] = m.ChannelID

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	select {
	case a.inbound <- broker.InboundMessage{
		Platform:  "discord",
		From:      m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
	}:
	default:
		log.Printf("discord: inbound queue full, dropped message from %s", m.Author.ID)
	}
}

// handlePresence converts a presence update. Only "online" counts as
// available; idle, do-not-disturb and invisible are treated as away.
func (a *Adapter) handlePresence(p *discordgo.Presence) {
	if p == nil || p.User == nil || p.User.ID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.presence <- presence.Event{
		Address: p.User.ID,
		Online:  p.Status == discordgo.StatusOnline,
		At:      time.Now(),
	}:
	default:
		log.Printf("discord: presence queue full, dropped update for %s", p.User.ID)
	}
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
