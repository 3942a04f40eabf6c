// Package relay is a host.Browser backed by a websocket peer running inside
// the browser: a thin extension that forwards tab events and executes tab
// requests on the daemon's behalf.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/tablock/internal/host"
	"github.com/codefionn/tablock/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	// Path the peer connects to.
	Path = "/relay"
)

var (
	// ErrNoPeer is returned by calls made while no peer is connected.
	ErrNoPeer = errors.New("no browser relay connected")
	// ErrPeerGone is returned by calls whose peer disconnected before
	// answering.
	ErrPeerGone = errors.New("browser relay disconnected")
)

// Options configures a Relay.
type Options struct {
	// Token, when set, must be passed by the peer as the token query
	// parameter.
	Token string
	// OnConnect is called after a peer connects, from the connection's
	// goroutine.
	OnConnect func(peerID string)
}

// Relay accepts one peer at a time. A new peer replaces the current one.
type Relay struct {
	opts     Options
	upgrader websocket.Upgrader
	events   chan host.Event
	log      *logger.Logger

	mu     sync.Mutex
	peer   *peer
	nextID uint64
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup

	server   *http.Server
	listener net.Listener
}

type peer struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	gone    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	pending map[uint64]chan *Message
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.gone)
		p.conn.Close()
	})
}

// New creates a relay. It serves nothing until Start, or until mounted with
// ServeHTTP.
func New(opts Options) *Relay {
	return &Relay{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		events: make(chan host.Event, 256),
		done:   make(chan struct{}),
		log:    logger.Named("relay"),
	}
}

// checkOrigin admits extension pages and non-browser clients. Ordinary web
// pages must not be able to drive tabs.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" ||
		strings.HasPrefix(origin, "chrome-extension://") ||
		strings.HasPrefix(origin, "moz-extension://")
}

// Start listens on addr and serves the relay endpoint in the background.
func (r *Relay) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.listener = listener
	r.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	r.log.Info("Waiting for browser relay on ws://%s%s", listener.Addr(), Path)
	go func() {
		if err := r.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("Relay server failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (r *Relay) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// tokenMatches compares in constant time for equal-length inputs.
func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// ServeHTTP upgrades requests on Path to a peer connection.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != Path {
		http.NotFound(w, req)
		return
	}
	if r.opts.Token != "" && !tokenMatches(req.URL.Query().Get("token"), r.opts.Token) {
		r.log.Warn("Relay connection rejected: invalid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Error("Failed to upgrade relay connection: %v", err)
		return
	}

	p := &peer{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, 64),
		gone:    make(chan struct{}),
		pending: make(map[uint64]chan *Message),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return
	}
	prev := r.peer
	r.peer = p
	r.wg.Add(2)
	r.mu.Unlock()

	if prev != nil {
		r.log.Info("Relay peer %s replaced by %s", prev.id, p.id)
		prev.close()
	} else {
		r.log.Info("Relay peer %s connected", p.id)
	}

	go r.writePump(p)
	go r.readPump(p)

	if r.opts.OnConnect != nil {
		r.opts.OnConnect(p.id)
	}
}

// readPump pumps messages from the peer to callers and the event channel.
func (r *Relay) readPump(p *peer) {
	defer func() {
		r.mu.Lock()
		if r.peer == p {
			r.peer = nil
		}
		r.mu.Unlock()
		p.close()
		r.log.Info("Relay peer %s disconnected", p.id)
		r.wg.Done()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Warn("Relay read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Warn("Failed to unmarshal relay message: %v", err)
			continue
		}

		if msg.Type != "" {
			ev, err := msg.event()
			if err != nil {
				r.log.Warn("Ignoring relay event: %v", err)
				continue
			}
			select {
			case r.events <- ev:
			case <-r.done:
				return
			case <-p.gone:
				return
			}
			continue
		}

		p.mu.Lock()
		ch, ok := p.pending[msg.ID]
		delete(p.pending, msg.ID)
		p.mu.Unlock()
		if !ok {
			r.log.Debug("Relay response for unknown request %d", msg.ID)
			continue
		}
		ch <- &msg
	}
}

// writePump pumps queued requests to the peer and keeps the connection
// alive.
func (r *Relay) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
		r.wg.Done()
	}()

	for {
		select {
		case <-p.gone:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.log.Warn("Failed to write relay message: %v", err)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// call sends a request to the current peer and decodes its result into
// out, which may be nil.
func (r *Relay) call(ctx context.Context, method string, params any, out any) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return host.ErrClosed
	}
	p := r.peer
	if p == nil {
		r.mu.Unlock()
		return ErrNoPeer
	}
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	data, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	ch := make(chan *Message, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	select {
	case p.send <- data:
	case <-p.gone:
		return ErrPeerGone
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-p.gone:
		return ErrPeerGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) Query(ctx context.Context) ([]host.Tab, error) {
	var tabs []host.Tab
	if err := r.call(ctx, MethodQuery, nil, &tabs); err != nil {
		return nil, err
	}
	return tabs, nil
}

func (r *Relay) Get(ctx context.Context, id host.TabID) (host.Tab, error) {
	var tab host.Tab
	if err := r.call(ctx, MethodGet, tabParams{TabID: id}, &tab); err != nil {
		return host.Tab{}, err
	}
	return tab, nil
}

func (r *Relay) Create(ctx context.Context, opts host.CreateOptions) (host.Tab, error) {
	var tab host.Tab
	params := createParams{URL: opts.URL, WindowID: opts.WindowID, Index: opts.Index}
	if err := r.call(ctx, MethodCreate, params, &tab); err != nil {
		return host.Tab{}, err
	}
	return tab, nil
}

func (r *Relay) Inject(ctx context.Context, id host.TabID, script string) error {
	return r.call(ctx, MethodInject, injectParams{TabID: id, Code: script}, nil)
}

func (r *Relay) Events() <-chan host.Event {
	return r.events
}

// Connected reports whether a peer is attached.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer != nil
}

// Close disconnects the peer, stops serving and closes the event channel.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	p := r.peer
	r.peer = nil
	r.mu.Unlock()

	var err error
	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = r.server.Shutdown(ctx)
		cancel()
	}
	if p != nil {
		p.close()
	}
	r.wg.Wait()
	close(r.events)
	return err
}

var _ host.Browser = (*Relay)(nil)
