// Package broker relays the shared worker publish channel to dashboard
// connections. One background goroutine subscribes to Redis and fans every
// message out to the registered connections, deriving per-stream health state
// and enforcing an independent per-stream frame rate limit along the way.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"vectorflow/internal/platform/metrics"
)

const (
	// receiveTimeout bounds each pubsub receive so a shutdown signal is
	// observed promptly.
	receiveTimeout = time.Second

	// resubscribeBackoff is the fixed delay before reconnecting after a
	// transport error.
	resubscribeBackoff = 2 * time.Second
)

// Conn is the client connection surface the broker needs. It is satisfied by
// *websocket.Conn.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// StreamRuntimeState is the broker-derived health of one stream, built purely
// from observed traffic.
type StreamRuntimeState struct {
	ConnectionStatus string    `json:"connection_status"`
	LastError        string    `json:"last_error,omitempty"`
	LastEventAt      time.Time `json:"last_event_at"`
}

// envelope is the minimal decode of a channel message: just enough to route,
// rate-limit, and derive health. The raw payload is forwarded unmodified.
type envelope struct {
	Type      string `json:"type"`
	StreamID  string `json:"stream_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
	FrameB64  string `json:"frame_b64"`
}

// isFrame reports whether the message carries a frame. Messages without a
// type but with frame data are frames from older workers.
func (e envelope) isFrame() bool {
	return e.Type == "frame" || (e.Type == "" && e.FrameB64 != "")
}

// Broker multiplexes one Redis subscription onto many client connections.
type Broker struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	conns     map[Conn]string // connection -> stream id filter ("" = all)
	states    map[string]*StreamRuntimeState
	limiters  map[string]*rate.Limiter
	frameRate rate.Limit
}

// New builds a Broker for the given Redis URL and channel. maxFPS is the
// per-stream frame forward rate; m may be nil to disable metric recording.
func New(redisURL, channel string, maxFPS float64, log *slog.Logger, m *metrics.Metrics) (*Broker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewWithClient(redis.NewClient(opt), channel, maxFPS, log, m), nil
}

// NewWithClient wires an existing Redis client. Used in tests.
func NewWithClient(rdb *redis.Client, channel string, maxFPS float64, log *slog.Logger, m *metrics.Metrics) *Broker {
	return &Broker{
		rdb:       rdb,
		channel:   channel,
		log:       log,
		metrics:   m,
		conns:     make(map[Conn]string),
		states:    make(map[string]*StreamRuntimeState),
		limiters:  make(map[string]*rate.Limiter),
		frameRate: rate.Limit(maxFPS),
	}
}

// Connect registers a client connection, optionally filtered to one stream id.
// Registration is unconditional; there is no backpressure at accept time.
func (b *Broker) Connect(c Conn, streamFilter string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c] = streamFilter
	if b.metrics != nil {
		b.metrics.SetBrokerConnections(len(b.conns))
	}
}

// Disconnect removes a client connection. Idempotent.
func (b *Broker) Disconnect(c Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
	if b.metrics != nil {
		b.metrics.SetBrokerConnections(len(b.conns))
	}
}

// ConnectionCount returns the number of registered connections.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// SetFrameRate adjusts the per-stream frame forward rate at runtime. Existing
// per-stream limiters pick up the new rate immediately.
func (b *Broker) SetFrameRate(fps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frameRate = rate.Limit(fps)
	for _, lim := range b.limiters {
		lim.SetLimit(b.frameRate)
	}
}

// StreamState returns the derived runtime state for a stream id.
func (b *Broker) StreamState(id string) (StreamRuntimeState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[id]
	if !ok {
		return StreamRuntimeState{}, false
	}
	return *st, true
}

// Run subscribes to the channel and relays messages until ctx is cancelled.
// Transport errors are logged and retried after a fixed backoff; they never
// terminate the broker. On return all registered connections are closed.
func (b *Broker) Run(ctx context.Context) {
	defer b.closeAll()

	for ctx.Err() == nil {
		pubsub := b.rdb.Subscribe(ctx, b.channel)
		b.log.Info("frame broker subscribed", slog.String("channel", b.channel))

		err := b.receiveLoop(ctx, pubsub)
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return
		}

		b.log.Warn("frame broker reconnecting after error", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeBackoff):
		}
	}
}

func (b *Broker) receiveLoop(ctx context.Context, pubsub *redis.PubSub) error {
	for {
		msg, err := pubsub.ReceiveTimeout(ctx, receiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		payload, ok := msg.(*redis.Message)
		if !ok {
			// Subscription confirmations and pongs.
			continue
		}
		b.dispatch([]byte(payload.Payload), time.Now())
	}
}

// dispatch processes one channel message: decode, derive health, rate-limit,
// fan out. A message that does not decode is dropped on its own; the loop is
// unaffected.
func (b *Broker) dispatch(payload []byte, now time.Time) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}

	b.observe(env, now)

	if env.isFrame() && env.StreamID != "" && !b.allowFrame(env.StreamID, now) {
		if b.metrics != nil {
			b.metrics.IncFramesDropped()
		}
		return
	}

	b.fanOut(payload, env.StreamID)
}

// observe folds one decoded message into the stream's runtime state. STATUS
// messages carry status and error directly; a frame implies the stream is
// connected and healthy.
func (b *Broker) observe(env envelope, now time.Time) {
	if env.StreamID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[env.StreamID]
	if !ok {
		st = &StreamRuntimeState{}
		b.states[env.StreamID] = st
	}

	switch {
	case env.Type == "stream_status":
		st.ConnectionStatus = env.Status
		st.LastError = env.Error
	case env.isFrame():
		st.ConnectionStatus = "connected"
		st.LastError = ""
	default:
		return
	}

	if env.Timestamp > 0 {
		st.LastEventAt = time.UnixMilli(env.Timestamp)
	} else {
		st.LastEventAt = now
	}
}

// allowFrame enforces the per-stream frame rate. STATUS messages never pass
// through here, so health transitions stay timely while frames are throttled.
func (b *Broker) allowFrame(streamID string, now time.Time) bool {
	b.mu.Lock()
	lim, ok := b.limiters[streamID]
	if !ok {
		lim = rate.NewLimiter(b.frameRate, 1)
		b.limiters[streamID] = lim
	}
	b.mu.Unlock()

	return lim.AllowN(now, 1)
}

// fanOut forwards the raw payload to every matching connection. Sends happen
// outside the registry lock; a failed send marks its connection stale, and
// stale connections are removed after the pass.
func (b *Broker) fanOut(payload []byte, streamID string) {
	b.mu.Lock()
	targets := make(map[Conn]string, len(b.conns))
	for c, filter := range b.conns {
		targets[c] = filter
	}
	b.mu.Unlock()

	var stale []Conn
	for c, filter := range targets {
		// This also keeps unroutable messages (empty stream id) away from
		// filtered connections.
		if filter != "" && filter != streamID {
			continue
		}
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			stale = append(stale, c)
			continue
		}
		if b.metrics != nil {
			b.metrics.IncMessagesForwarded()
		}
	}

	for _, c := range stale {
		b.Disconnect(c)
		_ = c.Close()
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		_ = c.Close()
	}
	b.conns = make(map[Conn]string)
	if b.metrics != nil {
		b.metrics.SetBrokerConnections(0)
	}
}
