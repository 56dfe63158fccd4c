// Package slack implements the broker Adapter for Slack using Socket Mode.
// Operators are addressed by Slack user ID and talk to the broker in direct
// messages. Slack does not push presence to bots, so it is polled.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/seshat/internal/broker"
	"github.com/zulandar/seshat/internal/presence"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// defaultPresencePoll is used when AdapterOpts.PresencePoll is zero.
	defaultPresencePoll = 30 * time.Second
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	OpenConversation(params *slackapi.OpenConversationParameters) (*slackapi.Channel, bool, bool, error)
	GetUserPresence(user string) (*slackapi.UserPresence, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements broker.Adapter for Slack Socket Mode.
type Adapter struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	appToken     string
	botToken     string
	users        []string
	presencePoll time.Duration
	mu           sync.Mutex
	connected    bool
	closed       bool
	listening    bool
	inbound      chan broker.InboundMessage
	presence     chan presence.Event
	imChannels   map[string]string // user ID -> IM channel ID
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken     string        // xapp-... Slack app-level token for Socket Mode
	BotToken     string        // xoxb-... Slack bot token
	Users        []string      // user IDs whose presence is polled
	PresencePoll time.Duration // defaults to 30s
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	poll := opts.PresencePoll
	if poll <= 0 {
		poll = defaultPresencePoll
	}
	users := make([]string, len(opts.Users))
	copy(users, opts.Users)

	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		users:        users,
		presencePoll: poll,
		inbound:      make(chan broker.InboundMessage, 100),
		presence:     make(chan presence.Event, 100),
		imChannels:   make(map[string]string),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates with Slack.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen starts the Socket Mode event pump and returns the channel of
// direct messages. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan broker.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	if !a.listening {
		listenCtx, cancel := context.WithCancel(ctx)
		a.cancelFunc = cancel
		a.listening = true
		go a.runWithReconnect(listenCtx)
		go a.pumpEvents(listenCtx)
	}
	return a.inbound, nil
}

// Presence starts polling operator presence and returns the event channel.
// Polling stops when ctx is cancelled or the adapter is closed.
func (a *Adapter) Presence(ctx context.Context) (<-chan presence.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	go a.pollPresence(ctx)
	return a.presence, nil
}

// Send delivers text to a user by direct message.
func (a *Adapter) Send(ctx context.Context, msg broker.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()
	if msg.To == "" {
		return fmt.Errorf("slack: no recipient specified")
	}

	channelID, err := a.imChannel(ctx, msg.To)
	if err != nil {
		return err
	}
	err = retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(channelID, slackapi.MsgOptionText(msg.Text, false))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// imChannel returns the IM channel with userID, opening it on first use.
func (a *Adapter) imChannel(ctx context.Context, userID string) (string, error) {
	a.mu.Lock()
	id, ok := a.imChannels[userID]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	var ch *slackapi.Channel
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, _, _, apiErr = a.client.OpenConversation(&slackapi.OpenConversationParameters{
			Users:    []string{userID},
			ReturnIM: true,
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: open IM with %s: %w", userID, err)
	}
	a.mu.Lock()
	a.imChannels[userID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

// Close shuts down the adapter and closes its channels.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	close(a.presence)
	return nil
}

// BotAddress returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotAddress() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error. When it gives up the adapter is
// closed so the broker sees the lost connection.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
	a.Close()
}

// pumpEvents reads Socket Mode events and converts them to InboundMessages.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if eventsAPIEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			a.handleMessage(ev)
		}

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleMessage converts a direct message event to an InboundMessage.
// Channel messages, edits and bot posts are ignored.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.ChannelType != "im" {
		return
	}
	if ev.BotID != "" || ev.SubType != "" || ev.User == "" {
		return
	}

	a.mu.Lock()
	if ev.User == a.botUserID {
		a.mu.Unlock()
		return
	}
	a.imChannels[ev.User] = ev.Channel
	a.mu.Unlock()

	a.emit(broker.InboundMessage{
		Platform:  "slack",
		From:      ev.User,
		UserName:  a.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	})
}

// emit queues msg unless the adapter is closed or the queue is full.
func (a *Adapter) emit(msg broker.InboundMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("slack: inbound queue full, dropped message from %s", msg.From)
	}
}

// pollPresence checks every user's presence on a ticker and reports changes.
func (a *Adapter) pollPresence(ctx context.Context) {
	last := make(map[string]bool, len(a.users))
	a.checkPresence(ctx, last)

	ticker := time.NewTicker(a.presencePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.checkPresence(ctx, last) {
				return
			}
		}
	}
}

// checkPresence polls each user once. It returns false once the adapter is
// closed.
func (a *Adapter) checkPresence(ctx context.Context, last map[string]bool) bool {
	for _, user := range a.users {
		var p *slackapi.UserPresence
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			p, apiErr = a.client.GetUserPresence(user)
			return apiErr
		})
		if err != nil {
			log.Printf("slack: presence of %s: %v", user, err)
			continue
		}
		online := p.Presence == "active"
		if prev, seen := last[user]; seen && prev == online {
			continue
		}
		last[user] = online

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return false
		}
		select {
		case a.presence <- presence.Event{Address: user, Online: online, At: time.Now()}:
		default:
			log.Printf("slack: presence queue full, dropped update for %s", user)
		}
		a.mu.Unlock()
	}
	return true
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
