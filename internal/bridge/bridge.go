// Package bridge wires the telemetry bridge together: bus events and device
// uplinks flow through the routers into the push queue, and the push worker
// broadcasts to the external clients the admission controller lets in.
package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/matst80/busbridge/internal/admission"
	"github.com/matst80/busbridge/internal/bus"
	"github.com/matst80/busbridge/internal/obs"
	"github.com/matst80/busbridge/internal/push"
	"github.com/matst80/busbridge/internal/ratelimit"
	"github.com/matst80/busbridge/internal/registry"
	"github.com/matst80/busbridge/internal/router"
	"github.com/matst80/busbridge/internal/transport"
	"github.com/matst80/busbridge/internal/whitelist"
)

// Config holds the bridge tunables. Zero values fall back to defaults.
type Config struct {
	ExternalAddr string
	InternalAddr string
	Topic        string

	PerIPCap        int
	RefreshInterval time.Duration

	ConnRateGlobal int
	ConnRatePerIP  int
	ConnBurst      int

	PushInterval time.Duration
	BacklogWarn  int

	SendBuffer        int
	WriteTimeout      time.Duration
	DeviceIdleTimeout time.Duration
}

// EventSource delivers bus events until ctx is done.
type EventSource interface {
	Subscribe(ctx context.Context, topic string, h bus.Handler) error
}

// Bridge owns every component and their goroutines.
type Bridge struct {
	cfg Config

	wl     *whitelist.Store
	reg    *registry.Registry
	ctrl   *admission.Controller
	queue  *push.Queue
	worker *push.Worker
	enc    *router.Encoder
	relay  *router.Relay
	ext    *transport.ExternalServer
	dev    *transport.InternalServer
	events EventSource

	cancel    context.CancelFunc
	workers   sync.WaitGroup // admission, push, bus
	acceptors sync.WaitGroup
	started   time.Time
	closeOnce sync.Once
}

// New builds the bridge and binds both listeners. events may be nil, in
// which case only device uplinks are relayed.
func New(cfg Config, src whitelist.Source, events EventSource) (*Bridge, error) {
	extLn, err := net.Listen("tcp", cfg.ExternalAddr)
	if err != nil {
		return nil, fmt.Errorf("listen external %s: %w", cfg.ExternalAddr, err)
	}
	devLn, err := net.Listen("tcp", cfg.InternalAddr)
	if err != nil {
		_ = extLn.Close()
		return nil, fmt.Errorf("listen internal %s: %w", cfg.InternalAddr, err)
	}

	b := &Bridge{cfg: cfg, events: events}
	b.wl = whitelist.New(src)
	b.reg = registry.New(b.wl, cfg.PerIPCap)

	ctrlOpts := []admission.Option{}
	if cfg.RefreshInterval > 0 {
		ctrlOpts = append(ctrlOpts, admission.WithInterval(cfg.RefreshInterval))
	}
	if cfg.ConnRateGlobal > 0 || cfg.ConnRatePerIP > 0 {
		ctrlOpts = append(ctrlOpts, admission.WithLimiter(ratelimit.NewConnLimiter(cfg.ConnRateGlobal, cfg.ConnRatePerIP, cfg.ConnBurst)))
	}
	b.ctrl = admission.New(b.wl, b.reg, ctrlOpts...)

	b.queue = push.NewQueue()
	b.enc = router.NewEncoder(b.queue)
	b.relay = router.NewRelay(b.queue)

	b.ext = transport.NewExternalServer(extLn, b.ctrl.Admit, b.ctrl.Release, transport.ExternalOptions{
		SendBuffer:   cfg.SendBuffer,
		WriteTimeout: cfg.WriteTimeout,
	})
	b.dev = transport.NewInternalServer(devLn, b.relay.OnInboundFrame, transport.InternalOptions{
		IdleTimeout: cfg.DeviceIdleTimeout,
	})

	workerOpts := []push.Option{}
	if cfg.PushInterval > 0 {
		workerOpts = append(workerOpts, push.WithPollInterval(cfg.PushInterval))
	}
	if cfg.BacklogWarn > 0 {
		workerOpts = append(workerOpts, push.WithBacklogWarn(cfg.BacklogWarn))
	}
	b.worker = push.NewWorker(b.queue, b.ext, workerOpts...)
	return b, nil
}

// Start loads the whitelist and launches every goroutine. The first
// admission cycle runs before any listener accepts, so early clients are
// checked against the loaded whitelist.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.started = time.Now()
	b.ctrl.Cycle(ctx, b.ext.Disconnect)

	b.workers.Add(2)
	go func() { defer b.workers.Done(); b.ctrl.Run(ctx, b.ext.Disconnect) }()
	go func() { defer b.workers.Done(); b.worker.Run(ctx) }()
	if b.events != nil {
		b.workers.Add(1)
		go func() {
			defer b.workers.Done()
			if err := b.events.Subscribe(ctx, b.cfg.Topic, b.enc.OnEvent); err != nil {
				obs.Error("bus.subscribe", obs.Fields{"err": err.Error(), "topic": b.cfg.Topic})
			}
		}()
	}

	b.acceptors.Add(2)
	go func() { defer b.acceptors.Done(); b.ext.Serve(ctx) }()
	go func() { defer b.acceptors.Done(); b.dev.Serve(ctx) }()
	obs.Info("bridge.started", obs.Fields{"external": b.ext.Addr().String(), "internal": b.dev.Addr().String(), "topic": b.cfg.Topic})
}

// Refresh triggers an immediate whitelist reload and sweep.
func (b *Bridge) Refresh() { b.ctrl.Refresh() }

func (b *Bridge) ExternalAddr() net.Addr { return b.ext.Addr() }
func (b *Bridge) InternalAddr() net.Addr { return b.dev.Addr() }

// Close stops the workers first, so the final queue drain is handed to the
// external sessions, then tears down both listeners.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.workers.Wait()
		if n := b.queue.Len(); n > 0 {
			obs.Warn("bridge.unsent", obs.Fields{"packets": n})
		}
		e1 := b.ext.Close()
		e2 := b.dev.Close()
		b.acceptors.Wait()
		if e1 != nil {
			err = e1
		} else {
			err = e2
		}
		obs.Info("bridge.stopped", obs.Fields{})
	})
	return err
}
