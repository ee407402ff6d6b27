// Package broadcast fans live updates out to connected viewers.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mr1hm/disaster-sentinel/internal/metrics"
)

const (
	TypeEventsUpdate = "events_update"
	TypeAlertsUpdate = "alerts_update"
)

var (
	ErrViewerClosed = errors.New("viewer closed")
	ErrViewerSlow   = errors.New("viewer buffer full")
)

// Envelope is the unit delivered to every viewer. Payload holds the encoded envelope so transports
// can write it without re-encoding.
type Envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Payload []byte          `json:"-"`
}

func NewEnvelope(typ string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s data: %w", typ, err)
	}
	env := Envelope{Type: typ, Data: raw}
	env.Payload, err = json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s envelope: %w", typ, err)
	}
	return env, nil
}

// Viewer is one live connection. Send must not block for long; a returned error removes the viewer.
type Viewer interface {
	Send(env Envelope) error
	Close()
}

type Hub struct {
	viewers map[uint64]Viewer
	nextID  atomic.Uint64
	mu      sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		viewers: make(map[uint64]Viewer),
	}
}

func (h *Hub) Register(v Viewer) uint64 {
	id := h.nextID.Add(1)

	h.mu.Lock()
	h.viewers[id] = v
	n := len(h.viewers)
	h.mu.Unlock()

	metrics.LiveViewers.Set(float64(n))
	return id
}

// Subscribe registers a channel-backed viewer. The channel is closed on Unregister or Close.
func (h *Hub) Subscribe(buffer int) (uint64, <-chan Envelope) {
	v := newChanViewer(buffer)
	return h.Register(v), v.ch
}

func (h *Hub) Unregister(id uint64) {
	h.mu.Lock()
	v, ok := h.viewers[id]
	delete(h.viewers, id)
	n := len(h.viewers)
	h.mu.Unlock()

	if ok {
		v.Close()
		metrics.LiveViewers.Set(float64(n))
	}
}

// Broadcast delivers {type, data} to every viewer. With no viewers it returns without encoding.
func (h *Hub) Broadcast(typ string, data any) error {
	if h.ViewerCount() == 0 {
		return nil
	}
	env, err := NewEnvelope(typ, data)
	if err != nil {
		return err
	}
	h.BroadcastEnvelope(env)
	return nil
}

// BroadcastEnvelope sends an already encoded envelope. Viewers whose Send fails are removed;
// the rest still receive it.
func (h *Hub) BroadcastEnvelope(env Envelope) {
	h.mu.RLock()
	targets := make(map[uint64]Viewer, len(h.viewers))
	for id, v := range h.viewers {
		targets[id] = v
	}
	h.mu.RUnlock()

	var failed []uint64
	for id, v := range targets {
		if err := v.Send(env); err != nil {
			slog.Warn("dropping live viewer", "viewer_id", id, "type", env.Type, "error", err)
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		h.Unregister(id)
	}
}

func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Close disconnects every viewer, causing streams to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	viewers := h.viewers
	h.viewers = make(map[uint64]Viewer)
	h.mu.Unlock()

	for _, v := range viewers {
		v.Close()
	}
	metrics.LiveViewers.Set(0)
}

type chanViewer struct {
	mu     sync.Mutex
	ch     chan Envelope
	closed bool
}

func newChanViewer(buffer int) *chanViewer {
	if buffer < 1 {
		buffer = 1
	}
	return &chanViewer{ch: make(chan Envelope, buffer)}
}

func (c *chanViewer) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrViewerClosed
	}
	select {
	case c.ch <- env:
		return nil
	default:
		return ErrViewerSlow
	}
}

func (c *chanViewer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
