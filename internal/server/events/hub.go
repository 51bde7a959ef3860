// Package events fans out named server-push events to the clients
// watching a share or an upload.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event names produced by the coordinators.
const (
	Hello            = "hello"
	Progress         = "progress"
	Upload           = "upload"
	Completed        = "completed"
	DownloadStarted  = "download_started"
	DownloadComplete = "download_complete"
	Consumed         = "consumed"
)

// DefaultHeartbeat is the keepalive period used when none is configured.
const DefaultHeartbeat = 15 * time.Second

var keepaliveFrame = []byte(":keepalive\n\n")

// Event is one named message. Data is sent verbatim on a single line.
type Event struct {
	Name string
	Data string
}

// Frame renders the event in text/event-stream format.
func (e Event) Frame() []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, e.Data))
}

// Subscriber is a live push connection. Implementations serialize their
// own writes; the hub may call them from several goroutines.
type Subscriber interface {
	Send(Event) error
	Keepalive() error
	Close() error
}

type member struct {
	sub  Subscriber
	open atomic.Bool
}

// Hub keeps subscriber lists per resource id. Writes happen outside the
// lock on a snapshot of the list; members whose write fails are marked
// closed and pruned at the end of the same pass.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]*member
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*member)}
}

// Subscribe adds sub under id and greets it with a hello event. If the
// greeting cannot be written the subscriber is dropped and the error
// returned.
func (h *Hub) Subscribe(id string, sub Subscriber) error {
	m := &member{sub: sub}
	m.open.Store(true)

	h.mu.Lock()
	h.subs[id] = append(h.subs[id], m)
	h.mu.Unlock()

	if err := sub.Send(Event{Name: Hello, Data: `{"ok":true}`}); err != nil {
		m.open.Store(false)
		sub.Close()
		h.prune(id)
		return fmt.Errorf("failed to greet subscriber: %w", err)
	}

	slog.Debug("subscriber added", "id", id)
	return nil
}

// Unsubscribe removes sub from id. It does not close sub.
func (h *Hub) Unsubscribe(id string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.subs[id]
	for i, m := range list {
		if m.sub == sub {
			m.open.Store(false)
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.subs, id)
	} else {
		h.subs[id] = list
	}
}

// Publish sends the event to every open subscriber of id. Without
// subscribers it does nothing.
func (h *Hub) Publish(id, name, data string) {
	members := h.snapshot(id)
	if len(members) == 0 {
		return
	}

	ev := Event{Name: name, Data: data}
	if h.broadcast(members, func(s Subscriber) error { return s.Send(ev) }) {
		h.prune(id)
	}
}

// PublishJSON marshals v as the event data.
func (h *Hub) PublishJSON(id, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "id", id, "event", name, "error", err)
		return
	}
	h.Publish(id, name, string(data))
}

// Heartbeat writes a keepalive comment to every subscriber of every id.
func (h *Hub) Heartbeat() {
	h.mu.Lock()
	all := make(map[string][]*member, len(h.subs))
	for id, list := range h.subs {
		all[id] = append([]*member(nil), list...)
	}
	h.mu.Unlock()

	for id, members := range all {
		if h.broadcast(members, Subscriber.Keepalive) {
			h.prune(id)
		}
	}
}

// Run sends heartbeats every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	slog.Info("event heartbeat started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Heartbeat()
		case <-ctx.Done():
			slog.Info("event heartbeat stopping")
			return
		}
	}
}

// Count returns the number of subscribers for id.
func (h *Hub) Count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

// Total returns the number of subscribers across all ids.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, list := range h.subs {
		n += len(list)
	}
	return n
}

func (h *Hub) snapshot(id string) []*member {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*member(nil), h.subs[id]...)
}

// broadcast reports whether any member failed.
func (h *Hub) broadcast(members []*member, write func(Subscriber) error) bool {
	failed := false
	for _, m := range members {
		if !m.open.Load() {
			continue
		}
		if err := write(m.sub); err != nil {
			m.open.Store(false)
			if cerr := m.sub.Close(); cerr != nil {
				slog.Debug("failed to close subscriber", "error", cerr)
			}
			slog.Debug("subscriber dropped", "error", err)
			failed = true
		}
	}
	return failed
}

func (h *Hub) prune(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.subs[id]
	kept := list[:0:0]
	for _, m := range list {
		if m.open.Load() {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(h.subs, id)
		return
	}
	h.subs[id] = kept
}
