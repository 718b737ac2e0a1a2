// Package pkgprune removes installed packages matching a pattern as a
// best-effort space optimization. Individual failures never abort the
// batch; they are recorded per package and summarized for the operator.
package pkgprune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gobwas/glob"

	"github.com/cloneprep/cloneprep/internal/system"
)

// OutcomeState classifies the result of one removal.
type OutcomeState string

const (
	StateRemoved OutcomeState = "removed"
	StateFailed  OutcomeState = "failed"
	StateSkipped OutcomeState = "skipped"
)

// Outcome is the per-package removal result.
type Outcome struct {
	State  OutcomeState
	Reason string
}

// Batch is the aggregate of one pruning run. Outcomes only ever contains
// keys present in Candidates and grows monotonically as removal proceeds.
type Batch struct {
	Pattern    string
	Candidates []string
	Outcomes   map[string]Outcome
}

// Failed returns the candidates whose removal failed, in candidate order.
func (b *Batch) Failed() []string {
	var failed []string
	for _, name := range b.Candidates {
		if b.Outcomes[name].State == StateFailed {
			failed = append(failed, name)
		}
	}
	return failed
}

// Pruner purges packages whose names match Pattern.
type Pruner struct {
	Logger   *slog.Logger
	Packages system.PackageManager
	Pattern  string
}

// Run computes the candidate set once from the live inventory and attempts
// each removal independently. The returned error covers only setup
// failures (bad pattern, unreadable inventory); per-package failures are
// in the batch.
func (p *Pruner) Run(ctx context.Context) (*Batch, error) {
	matcher, err := glob.Compile(p.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", p.Pattern, err)
	}

	installed, err := p.Packages.ListInstalled(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot package inventory: %w", err)
	}

	batch := &Batch{
		Pattern:  p.Pattern,
		Outcomes: map[string]Outcome{},
	}
	for _, name := range installed {
		if matcher.Match(name) {
			batch.Candidates = append(batch.Candidates, name)
		}
	}

	logger := p.logger().With("pattern", p.Pattern)
	if len(batch.Candidates) == 0 {
		logger.Info("no packages match removal pattern")
		return batch, nil
	}
	logger.Info("pruning packages", "candidates", len(batch.Candidates))

	for _, name := range batch.Candidates {
		err := p.Packages.Purge(ctx, name)
		switch {
		case err == nil:
			batch.Outcomes[name] = Outcome{State: StateRemoved}
		case errors.Is(err, system.ErrNotInstalled):
			// Already gone, e.g. removed as a dependency earlier in the
			// batch.
			batch.Outcomes[name] = Outcome{State: StateSkipped, Reason: err.Error()}
		default:
			batch.Outcomes[name] = Outcome{State: StateFailed, Reason: err.Error()}
		}
	}

	if failed := batch.Failed(); len(failed) > 0 {
		for _, name := range failed {
			logger.Warn("package removal failed", "package", name, "reason", batch.Outcomes[name].Reason)
		}
	}
	logger.Info("pruning complete",
		"removed", batch.count(StateRemoved),
		"skipped", batch.count(StateSkipped),
		"failed", batch.count(StateFailed),
	)
	return batch, nil
}

func (b *Batch) count(state OutcomeState) int {
	n := 0
	for _, outcome := range b.Outcomes {
		if outcome.State == state {
			n++
		}
	}
	return n
}

func (p *Pruner) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
