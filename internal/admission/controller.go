package admission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/matst80/busbridge/internal/obs"
	"github.com/matst80/busbridge/internal/ratelimit"
	"github.com/matst80/busbridge/internal/registry"
)

const DefaultInterval = 5 * time.Minute

var ErrRateLimited = errors.New("connection attempts rate limited")

// Whitelist is the reloadable set of authorized addresses.
type Whitelist interface {
	Reload(ctx context.Context) error
	Contains(ip string) bool
}

// Controller gates external connections and periodically evicts sessions
// whose address has been removed from the whitelist.
type Controller struct {
	wl       Whitelist
	reg      *registry.Registry
	limiter  *ratelimit.ConnLimiter
	interval time.Duration
	refresh  chan struct{}

	cycles   atomic.Int64
	lastTick atomic.Int64 // unix nanos of the last completed cycle
}

type Option func(*Controller)

// WithInterval sets the time between unprompted cycles.
func WithInterval(d time.Duration) Option { return func(c *Controller) { c.interval = d } }

// WithLimiter throttles connection attempts before the whitelist check.
func WithLimiter(l *ratelimit.ConnLimiter) Option { return func(c *Controller) { c.limiter = l } }

func New(wl Whitelist, reg *registry.Registry, opts ...Option) *Controller {
	c := &Controller{wl: wl, reg: reg, interval: DefaultInterval, refresh: make(chan struct{}, 1)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Admit is the connect-time decision for a new external session.
func (c *Controller) Admit(session, ip string, port int) error {
	if c.limiter != nil && !c.limiter.Allow(ip) {
		obs.AdmissionsTotal.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("%w: %s", ErrRateLimited, ip)
	}
	if err := c.reg.TryAdmit(ip, port, session); err != nil {
		result := "rejected"
		switch {
		case errors.Is(err, registry.ErrNotWhitelisted):
			result = "not_whitelisted"
			obs.Warn("admission.not_whitelisted", obs.Fields{"ip": ip, "port": port})
		case errors.Is(err, registry.ErrCapReached):
			result = "cap_reached"
			obs.Warn("admission.cap_reached", obs.Fields{"ip": ip, "port": port})
		}
		obs.AdmissionsTotal.WithLabelValues(result).Inc()
		return err
	}
	obs.AdmissionsTotal.WithLabelValues("accepted").Inc()
	return nil
}

// Release forgets a session after its connection closed.
func (c *Controller) Release(session, ip string, port int) {
	if c.reg.Remove(ip, port, session) {
		obs.Debug("admission.released", obs.Fields{"session": session, "ip": ip, "port": port})
	}
}

// Refresh asks the running loop for an immediate cycle. Calls made while a
// refresh is already pending are merged.
func (c *Controller) Refresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Run reloads and sweeps, then waits for the interval, a Refresh or ctx.
// The first cycle is skipped when one already ran before Run was called.
// disconnect is called for every evicted session.
func (c *Controller) Run(ctx context.Context, disconnect func(session string)) {
	obs.Info("admission.start", obs.Fields{"interval": c.interval.String()})
	if c.cycles.Load() == 0 {
		c.Cycle(ctx, disconnect)
	}
	timer := time.NewTimer(c.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			obs.Info("admission.stopped", obs.Fields{"cycles": c.cycles.Load()})
			return
		case <-c.refresh:
			obs.Info("admission.refresh", obs.Fields{})
		case <-timer.C:
		}
		c.Cycle(ctx, disconnect)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.interval)
	}
}

// Cycle runs one reload and sweep. A failed reload keeps the previous
// whitelist and still sweeps against it.
func (c *Controller) Cycle(ctx context.Context, disconnect func(session string)) {
	if err := c.wl.Reload(ctx); err != nil {
		obs.ErrorsTotal.WithLabelValues("whitelist_reload").Inc()
	}
	removed := c.reg.SweepUnauthorized(c.wl, disconnect)
	for ip, n := range removed {
		obs.Info("admission.evicted", obs.Fields{"ip": ip, "count": n})
		obs.EvictionsTotal.Add(float64(n))
	}
	if c.limiter != nil {
		c.limiter.Prune(c.reg.IPs())
	}
	c.cycles.Add(1)
	c.lastTick.Store(time.Now().UnixNano())
}

// Cycles returns the number of completed cycles.
func (c *Controller) Cycles() int64 { return c.cycles.Load() }

// LastCycle returns when the last cycle completed, or the zero time.
func (c *Controller) LastCycle() time.Time {
	n := c.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
