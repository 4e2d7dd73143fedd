// Package admission implements the per-request rate-limit decision: match
// descriptors, touch the window clock, increment the counter store, and
// render an admit/deny verdict plus observability headers.
//
// Any internal error here fails open — the proxy is expected to proceed
// rather than be blocked by a bug in this sidecar, so Engine recovers from
// panics in ShouldRateLimit and turns them into an empty, all-OK response.
package admission

import (
	"time"

	"github.com/rs/zerolog"

	"hivemind/internal/clock"
	"hivemind/internal/counter"
	"hivemind/internal/rules"
)

// Code mirrors the three-valued Envoy v3 RLS status code.
type Code int

const (
	Unknown Code = iota
	OK
	OverLimit
)

// DescriptorStatus is the per-descriptor-vector outcome of one call.
type DescriptorStatus struct {
	Code         Code
	HasLimit     bool
	Limit        uint32
	Unit         clock.Unit
	Remaining    uint32
	ResetSeconds uint32
}

// Result is the full outcome of one ShouldRateLimit call.
type Result struct {
	Overall  Code
	Statuses []DescriptorStatus
}

// Engine is the Admission Engine: on each request it matches descriptors via
// the Rule Store, obtains the current window from the Window Clock,
// increments the local counter, computes the global estimate, and returns
// a verdict.
type Engine struct {
	rules    *rules.Store
	clk      *clock.Clock
	counters *counter.Store
	now      func() time.Time
	log      zerolog.Logger
}

// New creates an Admission Engine over the given Rule Store, Window Clock,
// and Counter Store.
func New(rs *rules.Store, clk *clock.Clock, cs *counter.Store, log zerolog.Logger) *Engine {
	return &Engine{rules: rs, clk: clk, counters: cs, now: time.Now, log: log}
}

// ShouldRateLimit implements §4.5's algorithm for one request carrying
// possibly several descriptor vectors. hits == 0 is a no-op per vector: it
// still returns the current Remaining/headers without incrementing.
func (e *Engine) ShouldRateLimit(domain string, vectors []rules.Vector, hits uint32) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("domain", domain).Msg("admission: internal error, failing open")
			result = Result{Overall: OK}
		}
	}()

	if len(vectors) == 0 {
		// A malformed request (no descriptors at all) is the one case that
		// surfaces as UNKNOWN rather than resolving to OK/OVER_LIMIT.
		return Result{Overall: Unknown}
	}

	statuses := make([]DescriptorStatus, 0, len(vectors))
	overall := OK

	for _, v := range vectors {
		ruleID, limit, matched := e.rules.Match(domain, v)
		if !matched {
			// DescriptorMismatch is a normal outcome, not an error.
			statuses = append(statuses, DescriptorStatus{Code: OK, HasLimit: false})
			continue
		}

		windowID := e.clk.CurrentWindow(limit.Unit)
		key := counter.Key{RuleID: ruleID, Unit: limit.Unit, WindowID: windowID}

		if hits > 0 {
			e.counters.Increment(key, uint64(hits))
		}
		global := e.counters.GlobalSum(key)
		var remaining uint64
		if global < uint64(limit.RequestsPerUnit) {
			remaining = uint64(limit.RequestsPerUnit) - global
		}

		status := DescriptorStatus{
			Code:         OK,
			HasLimit:     true,
			Limit:        limit.RequestsPerUnit,
			Unit:         limit.Unit,
			Remaining:    uint32(remaining),
			ResetSeconds: uint32(clock.UntilReset(limit.Unit, windowID, e.now()).Seconds()),
		}
		if global > uint64(limit.RequestsPerUnit) {
			status.Code = OverLimit
			overall = OverLimit
		}
		statuses = append(statuses, status)
	}

	return Result{Overall: overall, Statuses: statuses}
}
