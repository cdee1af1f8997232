// Package worker runs the per-shard event loops. Each worker goroutine
// exclusively owns the connection states assigned to it: all frame dispatch,
// identity changes, and outbound draining for those connections happen on
// that one goroutine. Frames arrive from per-connection reader goroutines
// over the event channel; assignments and outbound-ready notifications
// arrive through mutex-guarded pending lists plus a wakeup channel, so that
// notifiers never block.
package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/huxley-im/huxley/internal/common"
	"github.com/huxley-im/huxley/internal/cryptox"
	"github.com/huxley-im/huxley/internal/logging"
	"github.com/huxley-im/huxley/internal/protocol"
	"github.com/huxley-im/huxley/internal/server/auth"
	"github.com/huxley-im/huxley/internal/server/conn"
	"github.com/huxley-im/huxley/internal/server/router"
	"github.com/huxley-im/huxley/internal/server/status"
	"github.com/huxley-im/huxley/internal/server/storage"
)

const (
	eventQueueSize = 256
	writeTimeout   = 5 * time.Second
	writeRetryWait = 50 * time.Millisecond
)

type eventKind int

const (
	frameEvent eventKind = iota
	closedEvent
)

type event struct {
	kind   eventKind
	connID string
	frame  []byte
	err    error
}

// Worker owns one shard of connections.
type Worker struct {
	id     int
	log    logging.Logger
	auth   *auth.Manager
	router *router.Router
	store  *storage.Store
	crypto *cryptox.Engine
	status *status.Indicator

	events chan event
	wake   chan struct{}

	mu            sync.Mutex
	pendingConns  []net.Conn
	pendingWrites map[string]struct{}

	clients map[string]*conn.State

	running  atomic.Bool
	ready    chan struct{}
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	readers  sync.WaitGroup
}

func New(id int, a *auth.Manager, r *router.Router, s *storage.Store, c *cryptox.Engine, ind *status.Indicator, log logging.Logger) *Worker {
	return &Worker{
		id:            id,
		log:           log.With("module", "worker", "worker_id", id),
		auth:          a,
		router:        r,
		store:         s,
		crypto:        c,
		status:        ind,
		events:        make(chan event, eventQueueSize),
		wake:          make(chan struct{}, 1),
		pendingWrites: make(map[string]struct{}),
		clients:       make(map[string]*conn.State),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
}

// Start launches the event loop. The acceptor must wait on Ready before
// assigning connections.
func (w *Worker) Start() {
	if w.running.Swap(true) {
		return
	}
	go w.loop()
}

// Ready is closed once the event loop is accepting assignments.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// Stop flips the running flag, wakes the loop, and blocks until the loop has
// torn down its connections and every reader goroutine has exited.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if !w.running.Swap(false) {
			return
		}
		close(w.done)
		<-w.loopDone
		w.readers.Wait()

		// Connections assigned but never picked up.
		w.mu.Lock()
		pending := w.pendingConns
		w.pendingConns = nil
		w.mu.Unlock()
		for _, c := range pending {
			_ = c.Close()
		}
	})
}

// AssignClient hands a freshly accepted connection to this worker. Callable
// from any goroutine; if the worker is not running the connection is closed.
func (w *Worker) AssignClient(c net.Conn) {
	if !w.running.Load() {
		_ = c.Close()
		return
	}

	w.mu.Lock()
	w.pendingConns = append(w.pendingConns, c)
	w.mu.Unlock()
	w.wakeup()
}

// OutboundReady implements conn.Notifier. Callable from any goroutine and
// never blocks: the id lands in a pending set and the loop is woken.
func (w *Worker) OutboundReady(connID string) {
	w.mu.Lock()
	w.pendingWrites[connID] = struct{}{}
	w.mu.Unlock()
	w.wakeup()
}

func (w *Worker) wakeup() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() {
	defer close(w.loopDone)
	close(w.ready)

	ctx := context.Background()

	for {
		select {
		case <-w.done:
			w.teardown(ctx)
			return
		case <-w.wake:
			w.drainPending(ctx)
		case ev := <-w.events:
			w.handleEvent(ctx, ev)
		}
	}
}

func (w *Worker) drainPending(ctx context.Context) {
	w.mu.Lock()
	conns := w.pendingConns
	w.pendingConns = nil
	writes := w.pendingWrites
	w.pendingWrites = make(map[string]struct{})
	w.mu.Unlock()

	for _, c := range conns {
		w.adoptClient(ctx, c)
	}
	for id := range writes {
		if st, ok := w.clients[id]; ok {
			w.flushOutbound(ctx, st)
		}
	}
}

func (w *Worker) adoptClient(ctx context.Context, c net.Conn) {
	st := conn.New(uuid.NewString(), c, w)
	w.clients[st.ID()] = st

	w.readers.Add(1)
	go w.readLoop(st)

	w.log.Debug(ctx, "client assigned", "conn", st.ID(), "remote", c.RemoteAddr().String())
}

// readLoop is the read pump: one goroutine per connection decoding frames
// and posting them to the owning worker. It exits when the socket errors or
// the worker stops.
func (w *Worker) readLoop(st *conn.State) {
	defer w.readers.Done()

	for {
		payload, err := protocol.ReadFrame(st.Conn())
		if err != nil {
			w.post(event{kind: closedEvent, connID: st.ID(), err: err})
			return
		}
		if !w.post(event{kind: frameEvent, connID: st.ID(), frame: payload}) {
			return
		}
	}
}

func (w *Worker) post(ev event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.done:
		return false
	}
}

func (w *Worker) handleEvent(ctx context.Context, ev event) {
	st, ok := w.clients[ev.connID]
	if !ok {
		return
	}

	switch ev.kind {
	case frameEvent:
		st.UpdateActivity(time.Now())
		cmd := protocol.ParseCommand(ev.frame)
		w.processCommand(ctx, st, cmd)
	case closedEvent:
		if ev.err != nil && !errors.Is(ev.err, io.EOF) && !errors.Is(ev.err, net.ErrClosed) {
			if errors.Is(ev.err, protocol.ErrFrameTooLarge) {
				w.log.Warn(ctx, "oversize frame, dropping client", "conn", st.ID())
			} else {
				w.log.Debug(ctx, "read error", "conn", st.ID(), "error", ev.err)
			}
		}
		w.closeClient(ctx, st)
	}
}

func (w *Worker) processCommand(ctx context.Context, st *conn.State, cmd protocol.Command) {
	switch cmd.Type {
	case protocol.CommandRegister:
		err := w.auth.RegisterUser(ctx, cmd.Username, cmd.Password)
		if err != nil {
			w.queue(st, protocol.NewResponse("register", false, "Registration failed"))
			return
		}
		w.queue(st, protocol.NewResponse("register", true, "Registered"))

	case protocol.CommandLogin:
		w.processLogin(ctx, st, cmd)

	case protocol.CommandSendMessage:
		if !st.Authenticated() {
			w.queue(st, protocol.NewResponse("send_message", false, "Authentication required"))
			return
		}
		if cmd.Recipient == "" {
			w.queue(st, protocol.NewResponse("send_message", false, "Missing recipient"))
			return
		}
		if !w.router.RouteMessage(ctx, st.Username(), cmd.Recipient, cmd.Content) {
			w.queue(st, protocol.NewResponse("send_message", false, "Delivery failed"))
			return
		}
		w.queue(st, protocol.NewResponse("send_message", true, "Message queued"))

	case protocol.CommandLogout:
		if !st.Authenticated() {
			w.queue(st, protocol.NewResponse("logout", false, "Not authenticated"))
			return
		}
		username := st.Username()
		w.router.UnregisterClient(ctx, username)
		w.auth.LogoutUser(ctx, username)
		st.SetAuthenticated(false)
		st.SetUsername("")
		w.queue(st, protocol.NewResponse("logout", true, "Logged out"))

	case protocol.CommandListUsers:
		if !st.Authenticated() {
			w.queue(st, protocol.NewResponse("list_users", false, "Authentication required"))
			return
		}
		names, err := w.router.ListUsers(ctx)
		if err != nil {
			w.queue(st, protocol.NewResponse("list_users", false, "User list unavailable"))
			return
		}
		resp := protocol.NewResponse("list_users", true, "User list")
		resp.Payload = names
		w.queue(st, resp)

	case protocol.CommandListOnline:
		if !st.Authenticated() {
			w.queue(st, protocol.NewResponse("list_online", false, "Authentication required"))
			return
		}
		resp := protocol.NewResponse("list_online", true, "Online users")
		resp.Payload = w.router.ListOnline()
		w.queue(st, resp)

	case protocol.CommandGetHistory:
		if !st.Authenticated() {
			w.queue(st, protocol.NewResponse("get_history", false, "Authentication required"))
			return
		}
		if cmd.TargetUser == "" {
			w.queue(st, protocol.NewResponse("get_history", false, "Missing target user"))
			return
		}
		entries, err := w.router.History(ctx, st.Username(), cmd.TargetUser, cmd.Limit, cmd.Offset)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				w.queue(st, protocol.NewResponse("get_history", false, "Unknown user"))
				return
			}
			w.queue(st, protocol.NewResponse("get_history", false, "History unavailable"))
			return
		}
		resp := protocol.NewResponse("get_history", true, "Conversation history")
		resp.Payload = entries
		w.queue(st, resp)

	default:
		w.queue(st, protocol.NewResponse("unknown", false, "Unknown command"))
	}
}

func (w *Worker) processLogin(ctx context.Context, st *conn.State, cmd protocol.Command) {
	if st.Authenticated() {
		w.queue(st, protocol.NewResponse("login", false, "Already logged in"))
		return
	}

	if err := w.auth.LoginUser(ctx, cmd.Username, cmd.Password); err != nil {
		w.queue(st, protocol.NewResponse("login", false, "Invalid credentials"))
		return
	}

	if w.router.IsRegistered(cmd.Username) {
		w.queue(st, protocol.NewResponse("login", false, "User already logged in elsewhere"))
		return
	}

	st.SetAuthenticated(true)
	st.SetUsername(cmd.Username)
	w.router.RegisterClient(ctx, cmd.Username, st)

	// The login reply goes out ahead of any replayed messages.
	w.queue(st, protocol.NewResponse("login", true, "Login successful"))
	router.DeliverOfflineMessages(ctx, w.store, w.crypto, w.log, cmd.Username, st)
	w.status.SetState(status.StateOperational)
}

func (w *Worker) queue(st *conn.State, resp protocol.Response) {
	if err := st.QueueProtocolResponse(resp); err != nil {
		w.log.Error(context.Background(), "serialize response failed", "conn", st.ID(), "error", err)
	}
}

// flushOutbound drains the connection's deque. A timed-out partial write
// pushes the unsent suffix back to the front and retries shortly after;
// other errors close the client.
func (w *Worker) flushOutbound(ctx context.Context, st *conn.State) {
	for {
		b, ok := st.PopQueuedResponse()
		if !ok {
			return
		}

		_ = st.Conn().SetWriteDeadline(time.Now().Add(writeTimeout))
		n, err := st.Conn().Write(b)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				st.PushFrontResponse(b[n:])
				id := st.ID()
				time.AfterFunc(writeRetryWait, func() { w.OutboundReady(id) })
				return
			}
			w.log.Debug(ctx, "write error", "conn", st.ID(), "error", err)
			w.closeClient(ctx, st)
			return
		}
	}
}

// closeClient deregisters an authenticated username from the router and the
// session set, then destroys the state. Owning worker only.
func (w *Worker) closeClient(ctx context.Context, st *conn.State) {
	if st.Authenticated() {
		username := st.Username()
		w.router.UnregisterClient(ctx, username)
		w.auth.LogoutUser(ctx, username)
		w.store.LogActivity(ctx, "INFO", "User disconnected: "+username)
	}

	delete(w.clients, st.ID())
	w.mu.Lock()
	delete(w.pendingWrites, st.ID())
	w.mu.Unlock()
	_ = st.Conn().Close()
}

func (w *Worker) teardown(ctx context.Context) {
	for _, st := range w.clients {
		if st.Authenticated() {
			w.router.UnregisterClient(ctx, st.Username())
			w.auth.LogoutUser(ctx, st.Username())
		}
		_ = st.Conn().Close()
	}
	w.clients = make(map[string]*conn.State)
}
