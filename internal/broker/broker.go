package broker

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/seshat/internal/config"
	"github.com/zulandar/seshat/internal/models"
	"github.com/zulandar/seshat/internal/presence"
	"github.com/zulandar/seshat/internal/registry"
	"gorm.io/gorm"
)

// maxConnectBackoff caps the doubling delay between connection attempts.
const maxConnectBackoff = time.Minute

// Daemon is the broker process. It logs in to the messaging network through
// an Adapter, tracks operator presence, interprets operator messages and
// relays conversation text to and from visitors.
type Daemon struct {
	cfg     *config.Config
	adapter Adapter
	out     io.Writer
	backoff time.Duration

	registry    *registry.Registry
	presence    *presence.Tracker
	router      *Router
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
	watcher     *Watcher
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB             *gorm.DB
	Config         *config.Config
	Adapter        Adapter
	Out            io.Writer        // defaults to os.Stdout
	ConnectBackoff time.Duration    // overrides Config.ConnectBackoff when > 0
	Now            func() time.Time // defaults to time.Now
}

// NewDaemon creates a Daemon and restores operator assignments from the
// store.
func NewDaemon(ctx context.Context, opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("broker: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("broker: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("broker: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	backoff := opts.ConnectBackoff
	if backoff <= 0 {
		backoff = opts.Config.ConnectBackoff()
	}

	reg, err := registry.New(ctx, registry.Opts{
		DB:        opts.DB,
		Now:       opts.Now,
		Operators: opts.Config.LocalUsers,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: build registry: %w", err)
	}
	tracker, err := presence.New(presence.Opts{
		Operators: opts.Config.LocalUsers,
		Mirror:    presence.DBMirror{DB: opts.DB},
	})
	if err != nil {
		return nil, fmt.Errorf("broker: build presence tracker: %w", err)
	}
	router, err := NewRouter(RouterOpts{Registry: reg, Adapter: opts.Adapter})
	if err != nil {
		return nil, err
	}
	for _, chatID := range reg.Recovered() {
		router.NotifyVisitor(ctx, chatID, NoticeClosed)
	}
	broadcaster, err := NewBroadcaster(BroadcasterOpts{
		Presence: tracker,
		Adapter:  opts.Adapter,
		Router:   router,
	})
	if err != nil {
		return nil, err
	}
	dispatcher, err := NewDispatcher(DispatcherOpts{
		Registry: reg,
		Presence: tracker,
		Router:   router,
	})
	if err != nil {
		return nil, err
	}
	watcher, err := NewWatcher(WatcherOpts{
		Registry:       reg,
		Router:         router,
		Broadcaster:    broadcaster,
		PollInterval:   opts.Config.PollInterval(),
		SessionTimeout: opts.Config.SessionTimeout(),
		Now:            opts.Now,
	})
	if err != nil {
		return nil, err
	}

	if n := len(reg.Assignments()); n > 0 {
		fmt.Fprintf(out, "Restored %d accepted chat(s)\n", n)
	}
	return &Daemon{
		cfg:         opts.Config,
		adapter:     opts.Adapter,
		out:         out,
		backoff:     backoff,
		registry:    reg,
		presence:    tracker,
		router:      router,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		watcher:     watcher,
	}, nil
}

// Registry exposes the session registry.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Presence exposes the presence tracker.
func (d *Daemon) Presence() *presence.Tracker { return d.presence }

// Dispatcher returns the daemon's command dispatcher so callers can
// register extra commands before Run.
func (d *Daemon) Dispatcher() *Dispatcher { return d.dispatcher }

// Run connects the adapter, starts the presence, poll and re-notification
// loops, and handles operator messages until ctx is cancelled. It returns a
// *ConnectionError if the network cannot be reached.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Broker connecting...\n")
	if err := d.connect(ctx); err != nil {
		return err
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("broker: listen: %w", err)
	}
	presenceCh, err := d.adapter.Presence(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("broker: presence: %w", err)
	}

	go d.presence.Run(ctx, presenceCh, func(ev presence.Event) { d.onPresenceChange(ctx, ev) })
	go d.watcher.Run(ctx)
	go d.runRenotifyScheduler(ctx)

	fmt.Fprintf(d.out, "Broker online with %d operator(s) configured\n", len(d.presence.Operators()))

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Broker shutting down...\n")
			if err := d.adapter.Close(); err != nil {
				log.Printf("broker: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Broker stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Broker inbound channel closed\n")
				return fmt.Errorf("broker: connection lost")
			}
			d.HandleInbound(ctx, msg)
		}
	}
}

// connect logs in, retrying with a doubling delay.
func (d *Daemon) connect(ctx context.Context) error {
	attempts := d.cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := d.backoff
	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = d.adapter.Connect(ctx)
		if lastErr == nil {
			return nil
		}
		log.Printf("broker: connect attempt %d/%d: %v", i, attempts, lastErr)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return &ConnectionError{Attempts: i, Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxConnectBackoff {
			delay = maxConnectBackoff
		}
	}
	return &ConnectionError{Attempts: attempts, Err: lastErr}
}

// HandleInbound processes one message from the network. Messages from the
// broker itself or from addresses that are not configured operators are
// dropped.
func (d *Daemon) HandleInbound(ctx context.Context, msg InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("broker: dropped message from %q: panic: %v", msg.From, r)
		}
	}()

	if msg.From == "" || msg.Text == "" {
		log.Printf("broker: dropped malformed message from %q", msg.From)
		return
	}
	if ba, ok := d.adapter.(BotAddresser); ok && ba.BotAddress() == msg.From {
		return
	}
	if !d.presence.IsOperator(msg.From) {
		log.Printf("broker: ignored message from non-operator %s", msg.From)
		return
	}

	if reply := d.dispatcher.Dispatch(ctx, msg.From, msg.Text); reply != "" {
		if err := d.adapter.Send(ctx, OutboundMessage{To: msg.From, Text: reply}); err != nil {
			log.Printf("broker: reply to %s: %v", msg.From, err)
		}
	}

	// Hand over anything the visitor wrote while the chat was waiting.
	if chatID, busy := d.registry.CurrentSession(msg.From); busy {
		if _, err := d.router.Deliver(ctx, chatID); err != nil {
			log.Printf("broker: deliver chat #%d: %v", chatID, err)
		}
	}
}

// onPresenceChange sends the waiting list to an idle operator who just came
// online, if enabled.
func (d *Daemon) onPresenceChange(ctx context.Context, ev presence.Event) {
	if !ev.Online || !d.cfg.NotifyLateJoiners() {
		return
	}
	if _, busy := d.registry.CurrentSession(ev.Address); busy {
		return
	}
	waiting, err := d.registry.ListWaiting(ctx)
	if err != nil {
		log.Printf("broker: waiting list for %s: %v", ev.Address, err)
		return
	}
	d.broadcaster.SendWaiting(ctx, ev.Address, waiting)
}

// runRenotifyScheduler resends the waiting list to online operators on the
// configured cron schedule. It returns immediately if none is configured.
func (d *Daemon) runRenotifyScheduler(ctx context.Context) {
	expr := d.cfg.RenotifyCron
	if expr == "" {
		return
	}
	wait := nextCronDuration(expr, time.Now())
	if wait <= 0 {
		log.Printf("broker: renotify_cron %q has no upcoming run; re-notification disabled", expr)
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.Renotify(ctx)
			wait := nextCronDuration(expr, time.Now())
			if wait <= 0 {
				log.Printf("broker: renotify_cron %q has no upcoming run; re-notification stopped", expr)
				return
			}
			timer.Reset(wait)
		}
	}
}

// Renotify sends the current waiting list to every online operator.
func (d *Daemon) Renotify(ctx context.Context) {
	waiting, err := d.registry.ListWaiting(ctx)
	if err != nil {
		log.Printf("broker: renotify: %v", err)
		return
	}
	if n := d.broadcaster.Reannounce(ctx, waiting); n > 0 {
		log.Printf("broker: reminded %d operator(s) of %d waiting chat(s)", n, len(waiting))
	}
}

// --- Visitor-facing operations ---

// OpenChat starts a new WAITING session and announces it to online
// operators.
func (d *Daemon) OpenChat(ctx context.Context, label, startMessage string) (*models.Session, error) {
	s, err := d.registry.CreateSession(ctx, label, startMessage)
	if err != nil {
		return nil, err
	}
	log.Printf("broker: chat #%d opened by %s", s.ChatID, s.VisitorLabel)
	d.router.NotifyVisitor(ctx, s.ChatID, NoticeRequested)

	// Claim through the registry so the watcher does not announce it again.
	fresh, err := d.registry.ClaimUnannounced(ctx)
	if err != nil {
		log.Printf("broker: announce chat #%d: %v", s.ChatID, err)
		return s, nil
	}
	for _, f := range fresh {
		d.broadcaster.Announce(ctx, f)
	}
	return s, nil
}

// VisitorSend relays visitor text into chatID.
func (d *Daemon) VisitorSend(ctx context.Context, chatID uint, text string) error {
	return d.router.RelayFromVisitor(ctx, chatID, text)
}

// NextForVisitor returns the next queued message for the visitor of chatID,
// or nil if there is none.
func (d *Daemon) NextForVisitor(ctx context.Context, chatID uint) (*models.Message, error) {
	return d.registry.NextForVisitor(ctx, chatID)
}

// Session returns the session with the given chat ID.
func (d *Daemon) Session(ctx context.Context, chatID uint) (*models.Session, error) {
	return d.registry.GetSession(ctx, chatID)
}

// Available reports whether any operator is online.
func (d *Daemon) Available(ctx context.Context) bool {
	return len(d.presence.Online()) > 0
}
