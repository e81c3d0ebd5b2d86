package bridge

import (
	"time"

	"github.com/matst80/busbridge/internal/registry"
)

// Stats is a point-in-time view of the bridge for dashboards and the API.
type Stats struct {
	Clients         int              `json:"clients"`
	Devices         int              `json:"devices"`
	WhitelistSize   int              `json:"whitelist_size"`
	QueueDepth      int              `json:"queue_depth"`
	Broadcast       int64            `json:"broadcast"`
	Dropped         int64            `json:"dropped"`
	BacklogWarnings int64            `json:"backlog_warnings"`
	AdmissionCycles int64            `json:"admission_cycles"`
	LastSweep       string           `json:"last_sweep,omitempty"`
	Uptime          string           `json:"uptime"`
	Now             string           `json:"now"`
	Sessions        []registry.Entry `json:"sessions"`
	Whitelist       []string         `json:"whitelist"`
}

func (b *Bridge) Stats() Stats {
	sent, dropped, warnings := b.worker.Stats()
	st := Stats{
		Clients:         b.reg.Len(),
		Devices:         b.dev.Conns(),
		WhitelistSize:   b.wl.Len(),
		QueueDepth:      b.queue.Len(),
		Broadcast:       sent,
		Dropped:         dropped,
		BacklogWarnings: warnings,
		AdmissionCycles: b.ctrl.Cycles(),
		Now:             time.Now().UTC().Format(time.RFC3339),
		Sessions:        b.reg.Snapshot(),
		Whitelist:       b.wl.List(),
	}
	if !b.started.IsZero() {
		st.Uptime = time.Since(b.started).Truncate(time.Second).String()
	}
	if t := b.ctrl.LastCycle(); !t.IsZero() {
		st.LastSweep = t.UTC().Format(time.RFC3339)
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Clients":   s.Clients,
		"Devices":   s.Devices,
		"Whitelist": s.Whitelist,
		"Queue":     s.QueueDepth,
		"Broadcast": s.Broadcast,
		"Dropped":   s.Dropped,
		"Backlog":   s.BacklogWarnings,
		"Cycles":    s.AdmissionCycles,
		"LastSweep": s.LastSweep,
		"Uptime":    s.Uptime,
		"Sessions":  s.Sessions,
	}
}
