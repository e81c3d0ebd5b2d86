package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/matst80/busbridge/internal/obs"
	"github.com/matst80/busbridge/internal/proto"
)

// FrameFunc consumes frames from the head of buf. It returns the bytes used
// and whether the connection should wait for more data or be reset.
type FrameFunc func(session string, buf []byte) (int, proto.Status)

// InternalOptions bounds device connections.
type InternalOptions struct {
	// MaxBuffered is the largest unparsed backlog kept for one connection.
	MaxBuffered int
	IdleTimeout time.Duration
}

// InternalServer accepts device uplinks and feeds their byte stream to a
// FrameFunc.
type InternalServer struct {
	ln      net.Listener
	onFrame FrameFunc
	opts    InternalOptions

	mu     sync.Mutex
	conns  map[string]net.Conn
	closed bool
	wg     sync.WaitGroup
}

func NewInternalServer(ln net.Listener, onFrame FrameFunc, opts InternalOptions) *InternalServer {
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = 4 * proto.MaxFrameLen
	}
	return &InternalServer{ln: ln, onFrame: onFrame, opts: opts, conns: make(map[string]net.Conn)}
}

func (s *InternalServer) Addr() net.Addr { return s.ln.Addr() }

func (s *InternalServer) Serve(ctx context.Context) {
	acceptLoop(ctx, s.ln, "internal", s.handle)
}

func (s *InternalServer) handle(c net.Conn) {
	id := newSessionID()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.conns[id] = c
	s.wg.Add(1)
	s.mu.Unlock()
	ip, port := splitRemote(c.RemoteAddr())
	obs.Info("internal.connected", obs.Fields{"session": id, "ip": ip, "port": port})
	go s.serveConn(id, c)
}

func (s *InternalServer) serveConn(id string, c net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = c.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		obs.Info("internal.disconnected", obs.Fields{"session": id})
	}()

	buf := make([]byte, 0, s.opts.MaxBuffered)
	chunk := make([]byte, proto.MaxFrameLen)
	for {
		if s.opts.IdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		n, err := c.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for len(buf) > 0 {
			used, st := s.onFrame(id, buf)
			if st == proto.StatusError {
				obs.Warn("internal.reset", obs.Fields{"session": id, "buffered": len(buf)})
				obs.ErrorsTotal.WithLabelValues("internal_frame").Inc()
				return
			}
			if st == proto.StatusContinue || used == 0 {
				break
			}
			buf = buf[:copy(buf, buf[used:])]
		}
		if len(buf) > s.opts.MaxBuffered {
			obs.Warn("internal.overflow", obs.Fields{"session": id, "buffered": len(buf)})
			obs.ErrorsTotal.WithLabelValues("internal_overflow").Inc()
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				obs.Error("internal.read", obs.Fields{"session": id, "err": err.Error()})
			}
			return
		}
	}
}

// Conns returns the number of open device connections.
func (s *InternalServer) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, closes every device connection and waits for the
// readers to exit.
func (s *InternalServer) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	s.closed = true
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
