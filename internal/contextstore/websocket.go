package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	websocketWriteTimeout = 5 * time.Second
	websocketReadLimit    = 64 << 10
)

// WebSocketBroadcaster joins a Relay channel so that processes on the same
// device (or the same user across devices) see each other's context changes.
type WebSocketBroadcaster struct {
	conn   *websocket.Conn
	logger Logger

	mu          sync.Mutex
	subscribers map[uint64]func(Message)
	nextID      uint64
	closed      bool

	cancel context.CancelFunc
	done   chan struct{}
}

// DialBroadcaster connects to relayURL, joining channel (DefaultChannel when
// empty).
func DialBroadcaster(ctx context.Context, relayURL, channel string, logger Logger) (*WebSocketBroadcaster, error) {
	target, err := url.Parse(strings.TrimSpace(relayURL))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	q := target.Query()
	q.Set("channel", channel)
	target.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, target.String(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(websocketReadLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	b := &WebSocketBroadcaster{
		conn:        conn,
		logger:      logger,
		subscribers: map[uint64]func(Message){},
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go b.readLoop(readCtx)
	return b, nil
}

func (b *WebSocketBroadcaster) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBroadcasterClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	writeCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
	defer cancel()
	return b.conn.Write(writeCtx, websocket.MessageText, payload)
}

func (b *WebSocketBroadcaster) Subscribe(fn func(Message)) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

func (b *WebSocketBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	err := b.conn.Close(websocket.StatusNormalClosure, "closing")
	<-b.done
	return err
}

func (b *WebSocketBroadcaster) readLoop(ctx context.Context) {
	defer close(b.done)
	for {
		typ, data, err := b.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logf(b.logger, "[tenant-context] broadcast connection lost: %v", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, ok := parseMessage(data)
		if !ok {
			continue
		}
		b.mu.Lock()
		subscribers := make([]func(Message), 0, len(b.subscribers))
		for _, fn := range b.subscribers {
			subscribers = append(subscribers, fn)
		}
		b.mu.Unlock()
		for _, fn := range subscribers {
			fn(Message{Type: msg.Type, Context: msg.Context.clone()})
		}
	}
}

func parseMessage(data []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	if msg.Type != MessageContextChanged {
		return Message{}, false
	}
	return msg, true
}

// Relay fans each message out to every other peer joined to the same channel.
// It forwards frames verbatim and never answers a sender.
type Relay struct {
	logger Logger

	mu    sync.Mutex
	peers map[string]map[*websocket.Conn]struct{}
}

func NewRelay(logger Logger) *Relay {
	return &Relay{
		logger: logger,
		peers:  map[string]map[*websocket.Conn]struct{}{},
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	channel := strings.TrimSpace(req.URL.Query().Get("channel"))
	if channel == "" {
		channel = DefaultChannel
	}
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		logf(r.logger, "[tenant-context] relay accept failed: %v", err)
		return
	}
	conn.SetReadLimit(websocketReadLimit)
	r.join(channel, conn)
	defer func() {
		r.leave(channel, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := req.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if _, ok := parseMessage(data); !ok {
			continue
		}
		for _, peer := range r.others(channel, conn) {
			writeCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
			if err := peer.Write(writeCtx, websocket.MessageText, data); err != nil && !errors.Is(err, context.Canceled) {
				logf(r.logger, "[tenant-context] relay write failed: %v", err)
			}
			cancel()
		}
	}
}

// PeerCount reports how many connections are joined to channel.
func (r *Relay) PeerCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers[channel])
}

func (r *Relay) join(channel string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[channel] == nil {
		r.peers[channel] = map[*websocket.Conn]struct{}{}
	}
	r.peers[channel][conn] = struct{}{}
}

func (r *Relay) leave(channel string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers[channel], conn)
	if len(r.peers[channel]) == 0 {
		delete(r.peers, channel)
	}
}

func (r *Relay) others(channel string, sender *websocket.Conn) []*websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(r.peers[channel]))
	for conn := range r.peers[channel] {
		if conn == sender {
			continue
		}
		out = append(out, conn)
	}
	return out
}
