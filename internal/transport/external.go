package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/busbridge/internal/obs"
)

// ConnectFunc decides whether a new external connection is admitted.
// A non-nil error closes the connection before it receives anything.
type ConnectFunc func(session, ip string, port int) error

// DisconnectFunc is called once for every admitted session that goes away,
// whatever the cause.
type DisconnectFunc func(session, ip string, port int)

// ExternalOptions tunes per-session buffering.
type ExternalOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

type extSession struct {
	id    string
	ip    string
	port  int
	conn  net.Conn
	out   chan []byte
	done  chan struct{}
	once  sync.Once
	since time.Time
	// drainBy is the unix-nano deadline for flushing out after Close.
	drainBy atomic.Int64
}

func (s *extSession) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *extSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ExternalServer accepts display clients and fans packets out to them. It
// never reads application data from clients.
type ExternalServer struct {
	ln           net.Listener
	onConnect    ConnectFunc
	onDisconnect DisconnectFunc
	opts         ExternalOptions

	mu       sync.RWMutex
	sessions map[string]*extSession
	pending  map[string]*extSession // admission in progress
	closed   bool
	wg       sync.WaitGroup
}

func NewExternalServer(ln net.Listener, onConnect ConnectFunc, onDisconnect DisconnectFunc, opts ExternalOptions) *ExternalServer {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &ExternalServer{
		ln:           ln,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		opts:         opts,
		sessions:     make(map[string]*extSession),
		pending:      make(map[string]*extSession),
	}
}

func (s *ExternalServer) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until the listener is closed.
func (s *ExternalServer) Serve(ctx context.Context) {
	acceptLoop(ctx, s.ln, "external", s.handle)
}

func (s *ExternalServer) handle(c net.Conn) {
	ip, port := splitRemote(c.RemoteAddr())
	sess := &extSession{
		id:    newSessionID(),
		ip:    ip,
		port:  port,
		conn:  c,
		out:   make(chan []byte, s.opts.SendBuffer),
		done:  make(chan struct{}),
		since: time.Now(),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.pending[sess.id] = sess
	s.mu.Unlock()

	err := s.onConnect(sess.id, ip, port)

	s.mu.Lock()
	delete(s.pending, sess.id)
	if err != nil {
		s.mu.Unlock()
		obs.Warn("external.rejected", obs.Fields{"ip": ip, "port": port, "err": err.Error()})
		_ = c.Close()
		return
	}
	// evicted by a sweep or shut down while admission was running
	if s.closed || sess.closed() {
		s.mu.Unlock()
		sess.close()
		obs.Info("external.evicted_on_connect", obs.Fields{"session": sess.id, "ip": ip, "port": port})
		s.onDisconnect(sess.id, ip, port)
		return
	}
	s.sessions[sess.id] = sess
	s.wg.Add(2)
	s.mu.Unlock()
	obs.Info("external.connected", obs.Fields{"session": sess.id, "ip": ip, "port": port})

	go s.writeLoop(sess)
	go s.readLoop(sess)
}

// readLoop discards anything the client sends and detects disconnects.
func (s *ExternalServer) readLoop(sess *extSession) {
	defer s.wg.Done()
	_, err := io.Copy(io.Discard, sess.conn)
	if err != nil {
		obs.Debug("external.read", obs.Fields{"session": sess.id, "err": err.Error()})
	}
	sess.close()
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	obs.SessionDurationSec.Observe(time.Since(sess.since).Seconds())
	obs.Info("external.disconnected", obs.Fields{"session": sess.id, "ip": sess.ip, "port": sess.port})
	s.onDisconnect(sess.id, sess.ip, sess.port)
}

// writeLoop sends queued packets until the session closes. When the server
// closes, out is closed too and whatever is still buffered is written
// before the connection goes away.
func (s *ExternalServer) writeLoop(sess *extSession) {
	defer s.wg.Done()
	defer sess.close()
	for {
		select {
		case <-sess.done:
			return
		case p, ok := <-sess.out:
			if !ok {
				return
			}
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if by := sess.drainBy.Load(); by != 0 && by < deadline.UnixNano() {
				deadline = time.Unix(0, by)
			}
			_ = sess.conn.SetWriteDeadline(deadline)
			if _, err := sess.conn.Write(p); err != nil {
				obs.Error("external.write", obs.Fields{"session": sess.id, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("external_write").Inc()
				return
			}
		}
	}
}

// Broadcast queues p for every connected session. A session whose buffer
// is full misses this packet rather than stalling the caller.
func (s *ExternalServer) Broadcast(p []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, sess := range s.sessions {
		select {
		case sess.out <- p:
		case <-sess.done:
		default:
			obs.DroppedTotal.WithLabelValues("slow_client").Inc()
			obs.Debug("external.slow_client", obs.Fields{"session": sess.id, "ip": sess.ip})
		}
	}
}

// Disconnect closes the session with the given id. Unknown ids are ignored.
func (s *ExternalServer) Disconnect(session string) {
	s.mu.RLock()
	sess := s.sessions[session]
	if sess == nil {
		sess = s.pending[session]
	}
	s.mu.RUnlock()
	if sess != nil {
		obs.Info("external.disconnect", obs.Fields{"session": session, "ip": sess.ip, "port": sess.port})
		sess.close()
	}
}

// Sessions returns the number of live sessions.
func (s *ExternalServer) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops accepting, lets every session write out what it already has
// buffered (bounded by the write timeout), then waits for their goroutines.
func (s *ExternalServer) Close() error {
	err := s.ln.Close()
	by := time.Now().Add(s.opts.WriteTimeout).UnixNano()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, sess := range s.sessions {
			sess.drainBy.Store(by)
			close(sess.out)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
