// Package realtime pushes administrative events to connected sessions over websockets.
//
// Sessions are grouped into channels: one per society ("society:<id>") plus the global
// administrative room. A publish is delivered to the members joined at that moment; nothing is
// buffered for sessions that connect later.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/societyhub/server/internal/model"
	"go.uber.org/zap"
)

const (
	// GlobalRoom is the fixed room every super admin session joins.
	GlobalRoom = model.RoleSuperAdmin

	// sendQueueSize bounds each member's outbound queue. A member that falls this far behind is
	// dropped.
	sendQueueSize = 32
)

var ErrHubClosed = errors.New("realtime hub closed")

// TenantChannel names the channel for a society.
func TenantChannel(tenantID uuid.UUID) string {
	return "society:" + tenantID.String()
}

// Envelope is the wire format of every realtime message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data into an envelope payload.
func NewEnvelope(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Frame is one queued message for a member.
type Frame struct {
	Payload []byte
	// Last asks the writer to close the connection after Payload.
	Last bool
}

// Member is one connected session.
type Member struct {
	ID       uuid.UUID
	Identity model.Identity

	send     chan Frame
	done     chan struct{}
	once     sync.Once
	channels map[string]struct{}
}

// Outbound returns the member's ordered queue.
func (m *Member) Outbound() <-chan Frame { return m.send }

// Done is closed when the member is removed from the hub.
func (m *Member) Done() <-chan struct{} { return m.done }

func (m *Member) stop() {
	m.once.Do(func() { close(m.done) })
}

// Hub keeps channel membership in join order and fans out published events.
type Hub struct {
	mu       sync.Mutex
	channels map[string][]*Member
	members  map[uuid.UUID]*Member
	closed   bool
	logger   *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		channels: make(map[string][]*Member),
		members:  make(map[uuid.UUID]*Member),
		logger:   logger,
	}
}

// Register adds a session for identity. It belongs to no channel until joined.
func (h *Hub) Register(identity model.Identity) (*Member, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	m := &Member{
		ID:       uuid.New(),
		Identity: identity,
		send:     make(chan Frame, sendQueueSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
	h.members[m.ID] = m
	return m, nil
}

// Join adds m to channel. Joining twice is a no-op.
func (h *Hub) Join(m *Member, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[m.ID]; !ok {
		return fmt.Errorf("member %s is not registered", m.ID)
	}
	if _, ok := m.channels[channel]; ok {
		return nil
	}
	m.channels[channel] = struct{}{}
	h.channels[channel] = append(h.channels[channel], m)
	return nil
}

// Leave removes m from channel.
func (h *Hub) Leave(m *Member, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(m, channel)
}

// Remove detaches m from every channel and stops it.
func (h *Hub) Remove(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(m)
}

// Publish delivers event to every current member of channel in join order and returns how many
// members received it. Publishes are serialized, so every member observes the same order.
func (h *Hub) Publish(channel, event string, data any) (int, error) {
	return h.publish(channel, event, data, nil)
}

// PublishAndClose publishes event, then closes the members of channel for which closes reports
// true once the event is written. The others receive it as a plain event and stay joined.
func (h *Hub) PublishAndClose(channel, event string, data any, closes func(model.Identity) bool) (int, error) {
	if closes == nil {
		closes = func(model.Identity) bool { return true }
	}
	return h.publish(channel, event, data, closes)
}

// InTenant matches identities that belong to tenantID.
func InTenant(tenantID uuid.UUID) func(model.Identity) bool {
	return func(identity model.Identity) bool {
		return identity.TenantID == tenantID
	}
}

func (h *Hub) publish(channel, event string, data any, closes func(model.Identity) bool) (int, error) {
	payload, err := NewEnvelope(event, data)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrHubClosed
	}

	delivered := 0
	var slow, closing []*Member
	for _, m := range h.channels[channel] {
		last := closes != nil && closes(m.Identity)
		select {
		case m.send <- Frame{Payload: payload, Last: last}:
			delivered++
			if last {
				closing = append(closing, m)
			}
		default:
			slow = append(slow, m)
		}
	}
	for _, m := range slow {
		h.logger.Warn("dropping slow realtime member",
			zap.String("member_id", m.ID.String()),
			zap.String("channel", channel),
		)
		h.removeLocked(m)
	}
	for _, m := range closing {
		h.detachLocked(m)
	}
	return delivered, nil
}

// Members returns the number of sessions joined to channel.
func (h *Hub) Members(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

// Close stops every member; later registrations and publishes fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, m := range h.members {
		h.removeLocked(m)
	}
}

func (h *Hub) removeLocked(m *Member) {
	h.detachLocked(m)
	m.stop()
}

// detachLocked drops m from every channel without stopping its writer, so queued messages are
// still flushed.
func (h *Hub) detachLocked(m *Member) {
	for channel := range m.channels {
		h.leaveLocked(m, channel)
	}
	delete(h.members, m.ID)
}

func (h *Hub) leaveLocked(m *Member, channel string) {
	if _, ok := m.channels[channel]; !ok {
		return
	}
	delete(m.channels, channel)
	list := h.channels[channel]
	for i, other := range list {
		if other == m {
			h.channels[channel] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(h.channels[channel]) == 0 {
		delete(h.channels, channel)
	}
}
