// Package reclaim zeroes filesystem free space so image-capture tools can
// compress unused blocks, then cleans up the disposable fill file. Running
// out of space is the expected end of the fill phase, not an error.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FillResult classifies how the fill phase ended.
type FillResult string

const (
	// FilledToCapacity means the filesystem reported out-of-space, which
	// is the normal successful termination.
	FilledToCapacity FillResult = "filled-to-capacity"
	// FilledPartial means a configured byte cap stopped the fill first.
	FilledPartial FillResult = "filled-partial"
	// FillError means a write failed for a reason other than
	// out-of-space; this is fatal.
	FillError FillResult = "fill-error"
)

// State records the observable outcome of one reclaim run.
type State struct {
	FillPath        string
	FillResult      FillResult
	BytesWritten    int64
	DeleteAttempts  int
	DeleteSucceeded bool
}

// Reclaimer fills free space with zeros and deletes the fill file with
// bounded retries.
type Reclaimer struct {
	Logger *slog.Logger

	FillPath       string
	BlockSize      int
	MaxBytes       int64
	DeleteAttempts int
	DeleteDelay    time.Duration

	// Test seams. Nil values use the real filesystem.
	openFill   func(path string) (io.WriteCloser, error)
	removeFile func(path string) error
	syncFS     func()
	sleep      func(d time.Duration)
}

// Run executes both phases. The returned error is non-nil only for fatal
// fill errors; delete-retry exhaustion is reported through the state so
// the run can continue with a warning.
func (r *Reclaimer) Run(ctx context.Context) (*State, error) {
	state := &State{FillPath: r.FillPath}
	logger := r.logger().With("path", r.FillPath)

	logger.Info("filling free space")
	written, fillErr := r.fill(ctx)
	state.BytesWritten = written

	switch {
	case fillErr == nil:
		state.FillResult = FilledPartial
		logger.Info("fill reached configured cap", "bytes", written)
	case errors.Is(fillErr, unix.ENOSPC):
		state.FillResult = FilledToCapacity
		logger.Info("filesystem filled to capacity", "bytes", written)
	default:
		state.FillResult = FillError
		// Best-effort cleanup so a failed run does not leave the disk
		// full.
		if err := r.remove(r.FillPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("could not remove fill file after failed fill", "error", err)
		}
		return state, fmt.Errorf("fill %s: %w", r.FillPath, fillErr)
	}

	r.deleteWithRetry(ctx, state, logger)
	return state, nil
}

func (r *Reclaimer) fill(ctx context.Context) (int64, error) {
	out, err := r.open(r.FillPath)
	if err != nil {
		return 0, err
	}

	block := make([]byte, r.blockSize())
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			return written, err
		}
		if r.MaxBytes > 0 && written >= r.MaxBytes {
			break
		}

		n, err := out.Write(block)
		written += int64(n)
		if err != nil {
			out.Close()
			return written, err
		}
	}

	if err := out.Close(); err != nil {
		return written, err
	}
	return written, nil
}

// deleteWithRetry removes the fill file and syncs, retrying with a fixed
// delay. Exhausting the retries leaves DeleteSucceeded false; the caller
// surfaces that as a warning rather than an abort, since a stray fill file
// only wastes some of the intended compression benefit.
func (r *Reclaimer) deleteWithRetry(ctx context.Context, state *State, logger *slog.Logger) {
	attempts := r.DeleteAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for state.DeleteAttempts < attempts {
		state.DeleteAttempts++

		err := r.remove(r.FillPath)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			r.sync()
			state.DeleteSucceeded = true
			logger.Info("fill file removed", "attempts", state.DeleteAttempts)
			return
		}

		logger.Warn("fill file removal failed",
			"attempt", state.DeleteAttempts,
			"error", err,
		)
		if state.DeleteAttempts < attempts {
			r.wait(ctx)
		}
	}

	logger.Warn("fill file left behind after retries",
		"attempts", state.DeleteAttempts,
	)
}

func (r *Reclaimer) open(path string) (io.WriteCloser, error) {
	if r.openFill != nil {
		return r.openFill(path)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
}

func (r *Reclaimer) remove(path string) error {
	if r.removeFile != nil {
		return r.removeFile(path)
	}
	return os.Remove(path)
}

func (r *Reclaimer) sync() {
	if r.syncFS != nil {
		r.syncFS()
		return
	}
	unix.Sync()
}

func (r *Reclaimer) wait(ctx context.Context) {
	if r.sleep != nil {
		r.sleep(r.DeleteDelay)
		return
	}
	select {
	case <-time.After(r.DeleteDelay):
	case <-ctx.Done():
	}
}

func (r *Reclaimer) blockSize() int {
	if r.BlockSize > 0 {
		return r.BlockSize
	}
	return 4 * 1024 * 1024
}

func (r *Reclaimer) logger() *slog.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
