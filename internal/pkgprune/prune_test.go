package pkgprune

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cloneprep/cloneprep/internal/system"
)

type stubPackages struct {
	inventory []string
	listErr   error
	purgeErr  map[string]error

	purgeCalls []string
}

func (p *stubPackages) UpdateCache(ctx context.Context) error              { return nil }
func (p *stubPackages) Install(ctx context.Context, name string) error     { return nil }
func (p *stubPackages) InstallLocal(ctx context.Context, path string) error { return nil }

func (p *stubPackages) Purge(ctx context.Context, name string) error {
	p.purgeCalls = append(p.purgeCalls, name)
	return p.purgeErr[name]
}

func (p *stubPackages) ListInstalled(ctx context.Context) ([]string, error) {
	return p.inventory, p.listErr
}

func (p *stubPackages) IsInstalled(ctx context.Context, name string) (bool, error) {
	return false, nil
}

// Pattern *-dev matches foo-dev and bar-dev; bar-dev's removal fails. The
// batch still completes and reports per-package outcomes.
func TestPruneToleratesIndividualFailures(t *testing.T) {
	packages := &stubPackages{
		inventory: []string{"foo-dev", "bar-dev", "vim"},
		purgeErr:  map[string]error{"bar-dev": errors.New("held by apt")},
	}
	pruner := &Pruner{Packages: packages, Pattern: "*-dev"}

	batch, err := pruner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(batch.Candidates) != 2 {
		t.Fatalf("candidates = %v", batch.Candidates)
	}
	if got := batch.Outcomes["foo-dev"].State; got != StateRemoved {
		t.Fatalf("foo-dev outcome = %s, want removed", got)
	}
	if got := batch.Outcomes["bar-dev"].State; got != StateFailed {
		t.Fatalf("bar-dev outcome = %s, want failed", got)
	}
	if failed := batch.Failed(); len(failed) != 1 || failed[0] != "bar-dev" {
		t.Fatalf("failed = %v", failed)
	}
	if _, ok := batch.Outcomes["vim"]; ok {
		t.Fatal("non-matching package must not appear in outcomes")
	}
}

func TestPruneCountsAcrossForcedFailures(t *testing.T) {
	const n, k = 6, 2
	packages := &stubPackages{purgeErr: map[string]error{}}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("pkg%d-dev", i)
		packages.inventory = append(packages.inventory, name)
		if i < k {
			packages.purgeErr[name] = errors.New("forced")
		}
	}
	pruner := &Pruner{Packages: packages, Pattern: "*-dev"}

	batch, err := pruner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(batch.Failed()); got != k {
		t.Fatalf("failed count = %d, want %d", got, k)
	}
	removed := 0
	for _, outcome := range batch.Outcomes {
		if outcome.State == StateRemoved {
			removed++
		}
	}
	if removed != n-k {
		t.Fatalf("removed count = %d, want %d", removed, n-k)
	}
}

func TestPruneAlreadyAbsentIsSkipped(t *testing.T) {
	packages := &stubPackages{
		inventory: []string{"libfoo-dev", "libfoo-doc-dev"},
		purgeErr: map[string]error{
			// Removed earlier in the batch as a dependency.
			"libfoo-doc-dev": fmt.Errorf("purge libfoo-doc-dev: %w", system.ErrNotInstalled),
		},
	}
	pruner := &Pruner{Packages: packages, Pattern: "*-dev"}

	batch, err := pruner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := batch.Outcomes["libfoo-doc-dev"].State; got != StateSkipped {
		t.Fatalf("outcome = %s, want skipped", got)
	}
	if len(batch.Failed()) != 0 {
		t.Fatalf("skipped must not count as failed: %v", batch.Failed())
	}
}

func TestPruneEmptyCandidatesIsNoop(t *testing.T) {
	packages := &stubPackages{inventory: []string{"vim", "curl"}}
	pruner := &Pruner{Packages: packages, Pattern: "*-dev"}

	batch, err := pruner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(batch.Candidates) != 0 || len(batch.Outcomes) != 0 {
		t.Fatalf("expected empty batch, got %+v", batch)
	}
	if len(packages.purgeCalls) != 0 {
		t.Fatalf("no purges expected, got %v", packages.purgeCalls)
	}
}

func TestPruneBadPatternFails(t *testing.T) {
	pruner := &Pruner{Packages: &stubPackages{}, Pattern: "[unterminated"}
	if _, err := pruner.Run(context.Background()); err == nil {
		t.Fatal("expected pattern compile error")
	}
}
