// Package websocket pushes store snapshots to connected dashboard consumers.
// The Broadcaster relays every published snapshot to all registered clients
// without blocking the store's notification path.
//
// Design notes
//
//   - Each client has a dedicated buffered channel of JSON-encoded frames.
//     Snapshots are cumulative, so when a buffer is full the oldest queued
//     frame is discarded in favour of the newest one. A slow client therefore
//     skips intermediate versions but always ends on the latest state.
//   - Newly registered clients are primed with the last relayed snapshot.
//     A client never queues a frame older than one it was already given, so
//     priming that races a broadcast cannot leave it behind.
//   - Clients are tracked in a sync.Map keyed by client ID.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/earlyshield/dashboard/internal/store"
)

// MessageTypeSnapshot is the envelope type of a snapshot frame.
const MessageTypeSnapshot = "snapshot"

// Message is the JSON envelope pushed to WebSocket clients.
type Message struct {
	Type string         `json:"type"`
	Data store.Snapshot `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	mu      sync.Mutex // guards send, closed and newest
	closed  bool
	newest  uint64 // version of the newest frame queued so far
	queued  bool   // whether newest is set
	send    chan []byte
	Dropped atomic.Int64 // frames discarded because the buffer was full
}

// frame is an encoded snapshot and the store version it carries.
type frame struct {
	version uint64
	raw     []byte
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// deliver queues f, evicting the oldest queued frame when full. Frames not
// newer than one already queued are ignored. It reports whether a frame had
// to be evicted.
func (c *Client) deliver(f frame) (evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (c.queued && f.version <= c.newest) {
		return false
	}
	c.newest, c.queued = f.version, true
	for {
		select {
		case c.send <- f.raw:
			return evicted
		default:
		}
		select {
		case <-c.send:
			evicted = true
			c.Dropped.Add(1)
		default:
		}
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Broadcaster fans snapshots out to every registered client. It is safe for
// concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	last atomic.Pointer[frame]

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client channel buffer depth. Pass 0 to use the default
// of 8.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 8
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id and returns it, primed with
// the last relayed snapshot if there is one. The caller must call
// Unregister(id) when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose Send
// channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		c.close()
		return c
	}
	// Store before priming: a broadcast racing this call either reaches the
	// client directly or is already visible in b.last.
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	if last := b.last.Load(); last != nil {
		c.deliver(*last)
	}
	return c
}

// Unregister removes the client with id and closes its Send channel so the
// associated write goroutine exits. Unknown ids are ignored.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		v.(*Client).close()
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast encodes snap as a snapshot frame and delivers it to every
// registered client.
func (b *Broadcaster) Broadcast(snap store.Snapshot) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(Message{Type: MessageTypeSnapshot, Data: snap})
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}
	f := frame{version: snap.Version, raw: raw}
	b.last.Store(&f)

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if c.deliver(f) {
			b.logger.Debug("websocket broadcaster: client behind, skipped a snapshot",
				slog.String("client_id", c.id),
				slog.Uint64("version", snap.Version),
			)
		}
		return true
	})
}

// Run broadcasts every snapshot received on sub until sub is closed or ctx is
// done. It is typically fed by store.Subscribe.
func (b *Broadcaster) Run(ctx context.Context, sub <-chan store.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			b.Broadcast(snap)
		}
	}
}

// Close unregisters every client and closes its channel. After Close returns,
// Broadcast is a no-op and Register returns a closed client.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			value.(*Client).close()
			b.clientCnt.Add(-1)
			return true
		})
	})
}
