package whitelist

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/matst80/busbridge/internal/obs"
)

type snapshot struct {
	list []string
	set  map[string]struct{}
}

func newSnapshot(ips []string) *snapshot {
	s := &snapshot{list: ips, set: make(map[string]struct{}, len(ips))}
	for _, ip := range ips {
		s.set[ip] = struct{}{}
	}
	return s
}

// Store holds the current whitelist. Reads never block; Reload swaps the
// whole set at once.
type Store struct {
	src  Source
	snap atomic.Pointer[snapshot]
}

// New returns an empty store backed by src. Nothing is authorized until the
// first successful Reload.
func New(src Source) *Store {
	s := &Store{src: src}
	s.snap.Store(newSnapshot(nil))
	return s
}

// Reload re-reads the source. On failure the previous whitelist is kept and
// the error is returned.
func (s *Store) Reload(ctx context.Context) error {
	ips, err := s.src.Load(ctx)
	if err != nil {
		obs.Error("whitelist.reload", obs.Fields{"err": err.Error(), "source": s.src.String()})
		obs.WhitelistReloads.WithLabelValues("error").Inc()
		return err
	}
	s.snap.Store(newSnapshot(ips))
	obs.WhitelistReloads.WithLabelValues("ok").Inc()
	obs.WhitelistSize.Set(float64(len(ips)))
	obs.Info("whitelist.loaded", obs.Fields{"source": s.src.String(), "entries": ips})
	return nil
}

// Contains reports an exact match of ip against the current whitelist.
func (s *Store) Contains(ip string) bool {
	_, ok := s.snap.Load().set[ip]
	return ok
}

// List returns a copy of the current whitelist in source order.
func (s *Store) List() []string { return slices.Clone(s.snap.Load().list) }

func (s *Store) Len() int { return len(s.snap.Load().list) }
