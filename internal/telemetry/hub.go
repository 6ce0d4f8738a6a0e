package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is the write side of a push channel. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// HubOptions tune subscriber queues.
type HubOptions struct {
	QueueSize    int           // per-subscriber queue; default 64
	WriteTimeout time.Duration // per-message write deadline; default 5s

	// OnChange is called with the subscriber count after it changes.
	OnChange func(stream string, n int)
	// OnDrop is called when a message is dropped for a full queue.
	OnDrop func(stream string)
	// OnPublish is called after each broadcast with the number of
	// subscribers that accepted it.
	OnPublish func(stream string, n int)
}

func (o *HubOptions) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// Hub fans messages out to the subscribers of one stream kind. Subscribers
// are independent: a slow one loses messages, a broken one is removed, and
// neither affects the others. Late joiners get no replay.
type Hub struct {
	log    *zap.Logger
	stream string
	opts   HubOptions

	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// NewHub creates an empty hub for stream.
func NewHub(log *zap.Logger, stream string, opts HubOptions) *Hub {
	opts.withDefaults()
	return &Hub{
		log:    log.Named("hub").With(zap.String("stream", stream)),
		stream: stream,
		opts:   opts,
		subs:   make(map[*Subscriber]struct{}),
	}
}

// Stream returns the stream name.
func (h *Hub) Stream() string { return h.stream }

// Subscriber is one registered push channel.
type Subscriber struct {
	id   string
	hub  *Hub
	conn Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string { return s.id }

// Done is closed once the subscriber has been removed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Send enqueues msg for this subscriber only. Returns false if the queue is
// full or the subscriber is gone.
func (s *Subscriber) Send(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Close removes the subscriber and closes its connection. Idempotent.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Subscriber) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.hub.log.Debug("subscriber write failed", zap.String("subscriber", s.id), zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

// Register adds conn as a subscriber and starts its writer. On a closed hub
// the connection is closed immediately and the returned subscriber is done.
func (h *Hub) Register(conn Conn) *Subscriber {
	s := &Subscriber{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.opts.QueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.closeOnce.Do(func() {
			close(s.done)
			_ = conn.Close()
		})
		return s
	}
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.log.Debug("subscriber registered", zap.String("subscriber", s.id), zap.Int("subscribers", n))
	h.changed(n)
	go s.writeLoop()
	return s
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.log.Debug("subscriber removed", zap.String("subscriber", s.id), zap.Int("subscribers", n))
		h.changed(n)
	}
}

func (h *Hub) changed(n int) {
	if h.opts.OnChange != nil {
		h.opts.OnChange(h.stream, n)
	}
}

// Broadcast enqueues msg to every subscriber without blocking and returns how
// many accepted it.
func (h *Hub) Broadcast(msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for s := range h.subs {
		select {
		case s.send <- msg:
			sent++
		default:
			if h.opts.OnDrop != nil {
				h.opts.OnDrop(h.stream)
			}
			h.log.Debug("subscriber queue full, message dropped", zap.String("subscriber", s.id))
		}
	}
	if h.opts.OnPublish != nil {
		h.opts.OnPublish(h.stream, sent)
	}
	return sent
}

// Len returns the current subscriber count.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber; later registrations are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
