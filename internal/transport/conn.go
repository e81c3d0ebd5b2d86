package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/busbridge/internal/obs"
)

func newSessionID() string { return uuid.NewString() }

// splitRemote returns the textual IP and port of a peer address.
func splitRemote(a net.Addr) (string, int) {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// acceptLoop runs handle for every accepted connection until the listener
// is closed or ctx is done.
func acceptLoop(ctx context.Context, ln net.Listener, name string, handle func(net.Conn)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept."+name+".timeout", obs.Fields{"err": err.Error()})
				continue
			}
			obs.Error("accept."+name, obs.Fields{"err": err.Error()})
			time.Sleep(50 * time.Millisecond)
			continue
		}
		handle(c)
	}
}
