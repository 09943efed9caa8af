// Package sweep deletes records in bounded batches over an abstract cursor,
// so retention jobs never exceed a store's per-transaction write limit.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidOptions is returned for non-positive sizes.
var ErrInvalidOptions = errors.New("invalid sweep options")

// Cursor pages over the keys eligible for deletion. Next must not return keys
// that Delete already removed, so repeated Next calls make progress.
type Cursor interface {
	Next(ctx context.Context, limit int) ([]string, error)
	Delete(ctx context.Context, keys []string) (int, error)
}

// CursorFuncs adapts two functions to a Cursor.
type CursorFuncs struct {
	NextFunc   func(ctx context.Context, limit int) ([]string, error)
	DeleteFunc func(ctx context.Context, keys []string) (int, error)
}

// Next implements Cursor.
func (c CursorFuncs) Next(ctx context.Context, limit int) ([]string, error) {
	return c.NextFunc(ctx, limit)
}

// Delete implements Cursor.
func (c CursorFuncs) Delete(ctx context.Context, keys []string) (int, error) {
	return c.DeleteFunc(ctx, keys)
}

// Options bound a sweep.
type Options struct {
	// PageSize is how many keys are read per page.
	PageSize int
	// MaxBatchSize caps keys per Delete call.
	MaxBatchSize int
	// Pause is slept between delete batches.
	Pause time.Duration
}

// Stats summarizes a sweep.
type Stats struct {
	Deleted int
	Batches int
	Pages   int
}

// InBatches drains cursor. It stops when a page comes back short, when a whole
// page deletes nothing, or when ctx is done.
func InBatches(ctx context.Context, cursor Cursor, opts Options) (Stats, error) {
	var stats Stats
	if opts.PageSize <= 0 || opts.MaxBatchSize <= 0 {
		return stats, fmt.Errorf("%w: page %d, batch %d", ErrInvalidOptions, opts.PageSize, opts.MaxBatchSize)
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		page, err := cursor.Next(ctx, opts.PageSize)
		if err != nil {
			return stats, fmt.Errorf("sweep page %d: %w", stats.Pages+1, err)
		}
		if len(page) == 0 {
			return stats, nil
		}
		stats.Pages++

		pageDeleted := 0
		for start := 0; start < len(page); start += opts.MaxBatchSize {
			if stats.Batches > 0 && opts.Pause > 0 {
				if err := sleep(ctx, opts.Pause); err != nil {
					return stats, err
				}
			}
			end := min(start+opts.MaxBatchSize, len(page))
			n, err := cursor.Delete(ctx, page[start:end])
			stats.Batches++
			stats.Deleted += n
			pageDeleted += n
			if err != nil {
				return stats, fmt.Errorf("sweep batch %d: %w", stats.Batches, err)
			}
		}

		if len(page) < opts.PageSize || pageDeleted == 0 {
			return stats, nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
