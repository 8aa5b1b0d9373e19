// Package registry implements the Session Registry (spec §4.6): the
// process-wide directory from TransferId to live Session, enforcing global,
// per-peer, and per-role concurrency caps and retaining terminated entries
// for a grace period so in-flight acks/finals can be routed (and dropped)
// cleanly instead of misrouted.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/filexfer/core/internal/clock"
	"github.com/filexfer/core/internal/observability"
	"github.com/filexfer/core/internal/protocol"
	"github.com/filexfer/core/internal/session"
	"github.com/filexfer/core/internal/xferr"
)

// Limits bounds the Registry's concurrency caps (spec §4.6).
type Limits struct {
	Global      int
	PerPeer     int
	PerRole     int
	GracePeriod time.Duration
}

// DefaultLimits matches the spec's stated defaults (global 32, per-peer 5).
func DefaultLimits() Limits {
	return Limits{Global: 32, PerPeer: 5, PerRole: 32, GracePeriod: 60 * time.Second}
}

type entry struct {
	sess         *session.Session
	peer         string
	role         session.Role
	terminatedAt time.Time // zero value means still live
}

// Registry is the single structure concurrently accessible by many engine
// tasks (spec §5); every exported method is one atomic critical section and
// never holds its lock across a suspension point.
type Registry struct {
	mu      sync.Mutex
	entries map[protocol.TransferID]*entry

	limits Limits
	clock  clock.Clock
	log    *observability.Logger

	sweeper *cron.Cron
}

// New constructs an empty Registry.
func New(limits Limits, clk clock.Clock, log *observability.Logger) *Registry {
	return &Registry{
		entries: make(map[protocol.TransferID]*entry),
		limits:  limits,
		clock:   clk,
		log:     log,
	}
}

// Insert admits a new session, enforcing the global, per-peer, and per-role
// caps. Returns a ResourceExhaustion error (mapping to wire code 429) when a
// cap is hit.
func (r *Registry) Insert(sess *session.Session, peer string, role session.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[sess.ID]; exists {
		return xferr.New("registry.Insert", xferr.ProtocolViolation, fmt.Errorf("transfer_id %s already registered", sess.ID))
	}

	var live, livePeer, liveRole int
	for _, e := range r.entries {
		if !e.terminatedAt.IsZero() {
			continue
		}
		live++
		if e.peer == peer {
			livePeer++
		}
		if e.role == role {
			liveRole++
		}
	}
	if live >= r.limits.Global {
		return xferr.New("registry.Insert", xferr.ResourceExhaustion, fmt.Errorf("global session cap %d reached", r.limits.Global))
	}
	if r.limits.PerPeer > 0 && livePeer >= r.limits.PerPeer {
		return xferr.New("registry.Insert", xferr.ResourceExhaustion, fmt.Errorf("peer %s session cap %d reached", peer, r.limits.PerPeer))
	}
	if r.limits.PerRole > 0 && liveRole >= r.limits.PerRole {
		return xferr.New("registry.Insert", xferr.ResourceExhaustion, fmt.Errorf("role %s session cap %d reached", role, r.limits.PerRole))
	}

	r.entries[sess.ID] = &entry{sess: sess, peer: peer, role: role}
	return nil
}

// Get returns the live or grace-period-retained session for id.
func (r *Registry) Get(id protocol.TransferID) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// MarkTerminated records that id's session has reached a terminal state,
// starting its grace-period retention clock, without yet removing it from
// the table — late-arriving acks/finals for it are still routable and
// silently dropped by the engine rather than mistaken for an unknown
// session.
func (r *Registry) MarkTerminated(id protocol.TransferID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.terminatedAt.IsZero() {
		e.terminatedAt = r.clock.Now()
	}
}

// Remove deletes id unconditionally, regardless of grace period.
func (r *Registry) Remove(id protocol.TransferID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Count returns the number of live (non-terminal) sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.terminatedAt.IsZero() && !e.sess.State().IsTerminal() {
			n++
		}
	}
	return n
}

// IterStale returns the ids of live sessions whose overall deadline has
// passed as of now.
func (r *Registry) IterStale(now time.Time) []protocol.TransferID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []protocol.TransferID
	for id, e := range r.entries {
		if e.terminatedAt.IsZero() && now.After(e.sess.OverallDeadline()) {
			stale = append(stale, id)
		}
	}
	return stale
}

// sweep removes terminated entries whose grace period has elapsed.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for id, e := range r.entries {
		if !e.terminatedAt.IsZero() && now.Sub(e.terminatedAt) >= r.limits.GracePeriod {
			delete(r.entries, id)
		}
	}
}

// StartSweep schedules the periodic sweep of terminated entries whose grace
// period has elapsed via robfig/cron (spec §9: "swept by a periodic task,
// default every 10s"); live sessions past their overall deadline are not
// touched by the sweep (IterStale reports them),
// replacing the teacher's hand-rolled ticker loop with the scheduler the
// pack already uses for periodic daemon work.
func (r *Registry) StartSweep(spec string) error {
	r.sweeper = cron.New(cron.WithSeconds())
	_, err := r.sweeper.AddFunc(spec, r.sweep)
	if err != nil {
		return fmt.Errorf("registry: schedule sweep: %w", err)
	}
	r.sweeper.Start()
	return nil
}

// DefaultSweepSpec runs the sweep every 10 seconds, matching spec §9.
const DefaultSweepSpec = "*/10 * * * * *"

// Shutdown cancels every live session and awaits their terminal transitions
// (spec §4.6), forcing resource release once the grace period elapses.
func (r *Registry) Shutdown(ctx context.Context, grace time.Duration) error {
	if r.sweeper != nil {
		stopCtx := r.sweeper.Stop()
		<-stopCtx.Done()
	}

	r.mu.Lock()
	var live []*session.Session
	for _, e := range r.entries {
		if e.terminatedAt.IsZero() {
			live = append(live, e.sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range live {
		_ = sess.TransitionTo(session.Cancelled, "registry shutdown")
	}

	deadline := r.clock.Now().Add(grace)
	for {
		if r.Count() == 0 {
			break
		}
		if r.clock.Now().After(deadline) {
			r.log.Warn("registry shutdown grace period elapsed with sessions still live")
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(50 * time.Millisecond):
		}
	}

	r.mu.Lock()
	r.entries = make(map[protocol.TransferID]*entry)
	r.mu.Unlock()
	return nil
}
