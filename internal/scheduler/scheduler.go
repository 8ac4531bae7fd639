package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"perp_go/internal/domain"
)

// Signal is one trading decision produced by a unit: the order to place
// and a human-readable reason for the log line.
type Signal struct {
	Intent domain.OrderIntent
	Reason string
}

// Unit is one strategy. The scheduler drives the three phases in order
// every cycle: generate signals, execute each one, update positions.
// Implementations must honor ctx so a slow unit cannot starve the
// schedule.
type Unit interface {
	Name() string
	GenerateSignals(ctx context.Context) ([]Signal, error)
	ExecuteSignal(ctx context.Context, sig Signal) error
	UpdatePositions(ctx context.Context) error
}

type entry struct {
	unit     Unit
	priority int
}

// Scheduler runs strategy units grouped by priority. Groups execute in
// strict ascending priority order; units inside a group run concurrently.
// Smaller priority values go first, which lets risk-reducing units reach
// the order gateway ahead of risk-taking ones in the same cycle.
type Scheduler struct {
	mu      sync.Mutex
	entries []entry
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Register adds a unit under the given priority. Units registered with
// the same priority form one concurrent group.
func (s *Scheduler) Register(unit Unit, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{unit: unit, priority: priority})
	slog.Info("strategy registered", "name", unit.Name(), "priority", priority)
}

// RunCycle executes one full pass over all registered units. A group is
// complete only when every unit in it has finished or failed; one unit's
// failure is logged and never cancels its siblings or later groups.
func (s *Scheduler) RunCycle(ctx context.Context) {
	for _, group := range s.groups() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var wg sync.WaitGroup
		for _, unit := range group {
			wg.Add(1)
			go func(u Unit) {
				defer wg.Done()
				if err := runUnit(ctx, u); err != nil {
					slog.Error("strategy cycle failed", "name", u.Name(), "error", err)
				}
			}(unit)
		}
		wg.Wait()
	}
}

// runUnit drives one unit through a full cycle. A failed signal execution
// is logged and does not stop the remaining signals; the position update
// always runs so the unit's view of its exposure stays current.
func runUnit(ctx context.Context, u Unit) error {
	signals, err := u.GenerateSignals(ctx)
	if err != nil {
		return err
	}
	for _, sig := range signals {
		if err := u.ExecuteSignal(ctx, sig); err != nil {
			slog.Error("signal execution failed",
				"name", u.Name(), "symbol", sig.Intent.Symbol, "reason", sig.Reason, "error", err)
		}
	}
	return u.UpdatePositions(ctx)
}

// groups returns units bucketed by priority, in ascending priority order.
func (s *Scheduler) groups() [][]Unit {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPriority := make(map[int][]Unit)
	for _, e := range s.entries {
		byPriority[e.priority] = append(byPriority[e.priority], e.unit)
	}

	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	result := make([][]Unit, 0, len(priorities))
	for _, p := range priorities {
		result = append(result, byPriority[p])
	}
	return result
}

// Run drives RunCycle on the given interval until ctx is cancelled.
// The first cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "interval", interval)
	for {
		s.RunCycle(ctx)
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
