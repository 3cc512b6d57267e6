package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

func setupBenchmarkEngine(b *testing.B, rows int) *Engine {
	b.Helper()
	opts := DefaultOptions()
	opts.GCInterval = 0
	e, err := New(opts)
	if err != nil {
		b.Fatalf("Failed to create engine: %v", err)
	}
	b.Cleanup(func() { _ = e.Close() })

	s, err := e.Open(storage.ReadCommitted, false)
	if err != nil {
		b.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()
	for i := 0; i < rows; i++ {
		if err := s.Insert(context.Background(), storage.K("account", int64(i)), storage.Row{"balance": i}); err != nil {
			b.Fatalf("Failed to insert row: %v", err)
		}
	}
	if err := s.Commit(); err != nil {
		b.Fatalf("Failed to commit: %v", err)
	}
	return e
}

// BenchmarkPointRead benchmarks an autocommit read at every level.
func BenchmarkPointRead(b *testing.B) {
	const numRows = 10000
	e := setupBenchmarkEngine(b, numRows)
	ctx := context.Background()

	for _, level := range storage.Levels() {
		b.Run(level.String(), func(b *testing.B) {
			s, err := e.Open(level, true)
			if err != nil {
				b.Fatalf("Failed to open session: %v", err)
			}
			defer s.Close()

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := s.Read(ctx, storage.K("account", int64(i%numRows))); err != nil {
					b.Fatalf("Read failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkUpdate benchmarks an autocommit read-modify-write.
func BenchmarkUpdate(b *testing.B) {
	const numRows = 1000
	e := setupBenchmarkEngine(b, numRows)
	ctx := context.Background()

	s, err := e.Open(storage.RepeatableRead, true)
	if err != nil {
		b.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, err := s.Update(ctx, storage.K("account", int64(i%numRows)), func(r storage.Row) storage.Row {
			return r.With("balance", r.MustInt("balance")+1)
		})
		if err != nil {
			b.Fatalf("Update failed: %v", err)
		}
	}
	b.StopTimer()
	e.CollectGarbage()
}

// BenchmarkScan benchmarks a predicate scan over one table.
func BenchmarkScan(b *testing.B) {
	e := setupBenchmarkEngine(b, 1000)
	ctx := context.Background()
	pred := storage.Where("account", storage.Lt("balance", 100))

	for _, level := range []storage.IsolationLevel{storage.ReadCommitted, storage.Serializable} {
		b.Run(level.String(), func(b *testing.B) {
			s, err := e.Open(level, true)
			if err != nil {
				b.Fatalf("Failed to open session: %v", err)
			}
			defer s.Close()

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				rows, err := s.Scan(ctx, pred)
				if err != nil {
					b.Fatalf("Scan failed: %v", err)
				}
				if len(rows) != 100 {
					b.Fatalf("Scan returned %d rows", len(rows))
				}
			}
		})
	}
}

// BenchmarkParallelDisjointUpdates benchmarks writers that never conflict.
func BenchmarkParallelDisjointUpdates(b *testing.B) {
	e := setupBenchmarkEngine(b, 0)
	ctx := context.Background()

	var next atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		id := next.Add(1)

		s, err := e.Open(storage.ReadCommitted, true)
		if err != nil {
			b.Errorf("Failed to open session: %v", err)
			return
		}
		defer s.Close()
		key := storage.K("counter", id)
		for pb.Next() {
			if err := s.Write(ctx, key, storage.Row{"n": id}); err != nil {
				b.Errorf("Write failed: %v", err)
				return
			}
		}
	})
}
