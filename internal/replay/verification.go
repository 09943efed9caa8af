package replay

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// Error constants.
var (
	ErrInvalidConfig = errors.New("invalid replay config")
	ErrVerification  = errors.New("replay verification failed")
)

// verifyResults checks that every unique crossing was created exactly once
// and every redelivery was acknowledged as a duplicate.
func verifyResults(stats *Stats) error {
	var problems []error
	if stats.Failed > 0 || stats.Rejected > 0 {
		problems = append(problems, fmt.Errorf("%d failed and %d rejected submissions", stats.Failed, stats.Rejected))
	}
	if stats.Unresolved > 0 {
		problems = append(problems, fmt.Errorf("%d submissions did not resolve to a split", stats.Unresolved))
	}
	if stats.Created != stats.UniqueCrossings {
		problems = append(problems, fmt.Errorf("created %d occurrences, want %d", stats.Created, stats.UniqueCrossings))
	}
	if want := stats.EventsSubmitted - stats.UniqueCrossings; stats.Duplicate != want {
		problems = append(problems, fmt.Errorf("acknowledged %d duplicates, want %d", stats.Duplicate, want))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrVerification, errors.Join(problems...))
	}
	return nil
}

// displayFinalStats prints the run summary.
func displayFinalStats(stats *Stats) {
	rate := 0.0
	if secs := stats.Duration.Seconds(); secs > 0 {
		rate = float64(stats.EventsSubmitted) / secs
	}
	log.Printf(`🏁 Replay finished in %s
   Submitted:  %s (%s unique)
   Created:    %d
   Updated:    %d
   Duplicate:  %d
   Unresolved: %d
   Rejected:   %d
   Failed:     %d
   Rate:       %s events/s
`, stats.Duration.Round(time.Millisecond), humanize.Comma(int64(stats.EventsSubmitted)), humanize.Comma(int64(stats.UniqueCrossings)),
		stats.Created, stats.Updated, stats.Duplicate, stats.Unresolved, stats.Rejected, stats.Failed,
		humanize.CommafWithDigits(rate, 1))
}
