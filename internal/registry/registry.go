package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matst80/busbridge/internal/obs"
)

// DefaultPerIPCap is the number of concurrent sessions allowed per address.
const DefaultPerIPCap = 3

var (
	ErrNotWhitelisted = errors.New("ip not in whitelist")
	ErrCapReached     = errors.New("per-ip connection limit reached")
)

// Checker answers whitelist membership.
type Checker interface {
	Contains(ip string) bool
}

// Entry is one admitted external session.
type Entry struct {
	IP      string    `json:"ip"`
	Port    int       `json:"port"`
	Session string    `json:"session"`
	Since   time.Time `json:"since"`
}

// Registry tracks admitted external sessions keyed by IP.
type Registry struct {
	mu       sync.Mutex
	wl       Checker
	perIPCap int
	clients  map[string][]Entry // ip -> sessions in admission order
	total    int
}

func New(wl Checker, perIPCap int) *Registry {
	if perIPCap <= 0 {
		perIPCap = DefaultPerIPCap
	}
	return &Registry{wl: wl, perIPCap: perIPCap, clients: make(map[string][]Entry)}
}

// TryAdmit registers a new session. A repeated (ip, port) succeeds without
// adding a second entry; the entry then belongs to the newer session.
func (r *Registry) TryAdmit(ip string, port int, session string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.wl.Contains(ip) {
		return fmt.Errorf("%w: %s", ErrNotWhitelisted, ip)
	}
	entries := r.clients[ip]
	for i := range entries {
		if entries[i].Port == port {
			entries[i].Session = session
			entries[i].Since = time.Now()
			return nil
		}
	}
	if len(entries) >= r.perIPCap {
		return fmt.Errorf("%w: %s has %d", ErrCapReached, ip, len(entries))
	}
	r.clients[ip] = append(entries, Entry{IP: ip, Port: port, Session: session, Since: time.Now()})
	r.total++
	obs.ActiveClients.Set(float64(r.total))
	return nil
}

// Remove drops the entry for (ip, port) if it still belongs to session and
// reports whether one was removed.
func (r *Registry) Remove(ip string, port int, session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.clients[ip]
	for i, e := range entries {
		if e.Port != port || e.Session != session {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(r.clients, ip)
		} else {
			r.clients[ip] = entries
		}
		r.total--
		obs.ActiveClients.Set(float64(r.total))
		return true
	}
	return false
}

// SweepUnauthorized removes every session whose ip is not in wl and calls
// disconnect once per removed session. It returns the number removed per ip.
// disconnect runs after the registry lock is released.
func (r *Registry) SweepUnauthorized(wl Checker, disconnect func(session string)) map[string]int {
	var evicted []Entry
	removed := map[string]int{}
	r.mu.Lock()
	for ip, entries := range r.clients {
		if wl.Contains(ip) {
			continue
		}
		evicted = append(evicted, entries...)
		removed[ip] = len(entries)
		r.total -= len(entries)
		delete(r.clients, ip)
	}
	obs.ActiveClients.Set(float64(r.total))
	r.mu.Unlock()

	for _, e := range evicted {
		disconnect(e.Session)
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// CountIP returns the number of sessions registered for ip.
func (r *Registry) CountIP(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients[ip])
}

// IPs returns the set of addresses with at least one session.
func (r *Registry) IPs() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.clients))
	for ip := range r.clients {
		out[ip] = true
	}
	return out
}

// Snapshot returns all sessions ordered by ip then port.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, r.total)
	for _, entries := range r.clients {
		out = append(out, entries...)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].Port < out[j].Port
	})
	return out
}
