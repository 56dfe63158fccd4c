package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/seshat/internal/presence"
)

// MockAdapter implements Adapter for testing. It records sent messages and
// allows simulating inbound traffic via SimulateInbound and SimulatePresence.
type MockAdapter struct {
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan InboundMessage
	presence    chan presence.Event
	sent        []OutboundMessage
	botAddress  string
	connectErrs []error // returned by successive Connect calls
	sendErr     error
	sendDelay   time.Duration
	connects    int
}

// NewMockAdapter creates a MockAdapter with buffered channels.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:  make(chan InboundMessage, 100),
		presence: make(chan presence.Event, 100),
	}
}

// BotAddress returns the configured bot address (implements BotAddresser).
func (m *MockAdapter) BotAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botAddress
}

// SetBotAddress sets the bot address for testing.
func (m *MockAdapter) SetBotAddress(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botAddress = addr
}

// FailConnect makes the next len(errs) Connect calls fail with errs in order.
func (m *MockAdapter) FailConnect(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErrs = append(m.connectErrs, errs...)
}

// FailSend makes every Send return err (nil restores success).
func (m *MockAdapter) FailSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SlowSend makes every Send wait d before recording its message.
func (m *MockAdapter) SlowSend(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendDelay = d
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	if len(m.connectErrs) > 0 {
		err := m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
		return err
	}
	m.connected = true
	return nil
}

// ConnectCalls returns how many times Connect was called.
func (m *MockAdapter) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Presence returns the presence event channel. Must be called after Connect.
func (m *MockAdapter) Presence(ctx context.Context) (<-chan presence.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.presence, nil
}

// Send records the outbound message.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	delay := m.sendDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Close shuts down the mock adapter and closes its channels.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	close(m.presence)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends a message into the inbound channel as if it came
// from the network. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// SimulatePresence sends a presence event as if it came from the network.
func (m *MockAdapter) SimulatePresence(ev presence.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.presence <- ev
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the texts sent to one address, in order.
func (m *MockAdapter) SentTo(addr string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.To == addr {
			out = append(out, s.Text)
		}
	}
	return out
}

// ResetSent forgets all recorded outbound messages.
func (m *MockAdapter) ResetSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
