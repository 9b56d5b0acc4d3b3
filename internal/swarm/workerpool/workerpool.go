// Package workerpool maps a subtask's capability requirement to a
// concrete (worker, model) choice: capability filtering with a
// precedence-table fallback, health-partitioned preference, round-robin
// distribution, and hollow-rate deprioritization. Grounded on the
// teacher's capability-keyed agent registry idiom
// (internal/agent/discovery.go) generalized from agent names to worker
// specs.
package workerpool

import (
	"sort"
	"sync/atomic"
)

// Worker describes one configured worker/model pairing.
type Worker struct {
	Name         string
	Model        string
	Capabilities map[string]bool
	ContextWindow int
}

// HealthChecker is the subset of health.Tracker the selector consults.
type HealthChecker interface {
	IsHealthy(model string) bool
	GetHollowRate(model string) float64
}

// defaultPrecedence mirrors spec.md §4.3's example: a capability that has
// no configured worker falls through to a related, broader capability
// rather than failing outright. Never falls through into an unconfigured
// model — only ever widens which configured worker can serve a request.
var defaultPrecedence = map[string][]string{
	"write":    {"code"},
	"refactor": {"code"},
	"test":     {"code"},
	"verify":   {"code", "review"},
	"document": {"code"},
}

// Selector picks a (worker, model) for a capability using round-robin
// across the health-preferred partition.
type Selector struct {
	workers    []Worker
	tracker    HealthChecker
	precedence map[string][]string
	counter    atomic.Uint64
}

// Option configures a Selector.
type Option func(*Selector)

// WithPrecedenceTable overrides the default capability fallback table.
func WithPrecedenceTable(table map[string][]string) Option {
	return func(s *Selector) { s.precedence = table }
}

// NewSelector builds a selector over the given workers and health
// tracker.
func NewSelector(workers []Worker, tracker HealthChecker, opts ...Option) *Selector {
	s := &Selector{workers: workers, tracker: tracker, precedence: defaultPrecedence}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Selector) byCapability(capability string) []Worker {
	var out []Worker
	for _, w := range s.workers {
		if w.Capabilities[capability] {
			out = append(out, w)
		}
	}
	return out
}

// candidatesFor applies the capability filter, falling through the
// precedence table when no configured worker matches directly.
func (s *Selector) candidatesFor(capability string) []Worker {
	if direct := s.byCapability(capability); len(direct) > 0 {
		return direct
	}
	for _, fallback := range s.precedence[capability] {
		if fallback == capability {
			continue
		}
		if candidates := s.byCapability(fallback); len(candidates) > 0 {
			return candidates
		}
	}
	return nil
}

// Select picks a (worker, model) pair for capability. Returns false if no
// configured worker can serve it even via the precedence table.
func (s *Selector) Select(capability string) (Worker, bool) {
	candidates := s.candidatesFor(capability)
	if len(candidates) == 0 {
		return Worker{}, false
	}

	partition := s.partitionPreferHealthy(candidates)
	partition = s.deprioritizeByHollowRate(partition)

	idx := int(s.counter.Add(1)-1) % len(partition)
	return partition[idx], true
}

// partitionPreferHealthy returns healthy candidates first, falling back
// to the full candidate set if none are healthy — the tracker must never
// cause "no model available" on its own.
func (s *Selector) partitionPreferHealthy(candidates []Worker) []Worker {
	if s.tracker == nil {
		return candidates
	}
	var healthy []Worker
	for _, w := range candidates {
		if s.tracker.IsHealthy(w.Model) {
			healthy = append(healthy, w)
		}
	}
	if len(healthy) == 0 {
		return candidates
	}
	return healthy
}

// deprioritizeByHollowRate pushes a worker behind another within the
// partition when its hollow rate exceeds the other's by >= 0.15. This is
// a stable reordering, not a filter: no worker is dropped.
func (s *Selector) deprioritizeByHollowRate(candidates []Worker) []Worker {
	if s.tracker == nil || len(candidates) < 2 {
		return candidates
	}
	out := append([]Worker{}, candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		ri := s.tracker.GetHollowRate(out[i].Model)
		rj := s.tracker.GetHollowRate(out[j].Model)
		// i sorts before j only when j is meaningfully (>=0.15) hollower;
		// otherwise original relative order is preserved by the stable sort.
		return rj-ri >= 0.15
	})
	return out
}

// SelectAlternativeModel returns a different model with the same
// capability than failedModel, or false if none exists in the configured
// set. Never returns an unconfigured model.
func (s *Selector) SelectAlternativeModel(capability, failedModel string) (Worker, bool) {
	for _, w := range s.candidatesFor(capability) {
		if w.Model != failedModel {
			return w, true
		}
	}
	return Worker{}, false
}
