package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/racepulse/internal/domain/model"
)

// BenchmarkLedger_CreateIfAbsent measures the hot-path dedup write with a mix
// of new and repeated fingerprints.
func BenchmarkLedger_CreateIfAbsent(b *testing.B) {
	for name, open := range map[string]func(b *testing.B) Store{
		"memory": func(b *testing.B) Store { return NewMemoryStore() },
		"sqlite": func(b *testing.B) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(b.TempDir(), "bench.db"))
			if err != nil {
				b.Fatalf("open sqlite: %v", err)
			}
			b.Cleanup(func() { _ = s.Close() })
			return s
		},
	} {
		b.Run(name, func(b *testing.B) {
			s := open(b)
			ctx := context.Background()
			now := time.Now().UTC()
			var seq atomic.Int64

			b.ReportAllocs()
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					// Every fourth write repeats an earlier fingerprint.
					n := seq.Add(1)
					if n%4 == 0 {
						n /= 4
					}
					rec := model.IdempotencyRecord{
						Fingerprint:  fmt.Sprintf("fp-%d", n),
						ProcessedAt:  now,
						TTLExpiresAt: now.Add(time.Hour),
					}
					if _, err := s.CreateIfAbsent(ctx, rec); err != nil {
						b.Errorf("create: %v", err)
						return
					}
				}
			})
		})
	}
}
