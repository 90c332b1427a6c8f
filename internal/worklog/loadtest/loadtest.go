// Package loadtest exercises outbox claiming under contention.
//
// It seeds a store with pending records and lets N claimers drain the outbox
// concurrently, the way several dispatcher processes sharing one database
// would. Every entry must be claimed exactly once.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studiovibi/worklogs/internal/worklog/db"
)

// Options sizes a run.
type Options struct {
	// Claimers is the number of concurrent claimers.
	Claimers int
	// Records is the number of pending records seeded before claiming.
	Records int
	// BatchSize is the claim limit of each call.
	BatchSize int
	// Owners spreads the seeded records over this many owners.
	Owners int
}

// LatencyStats captures claim call latency.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Calls int           `json:"calls"`
}

// Report is the outcome of Run.
type Report struct {
	Seeded     int           `json:"seeded"`
	Claimed    int           `json:"claimed"`
	Duplicates int           `json:"duplicates"`
	Errors     int           `json:"errors"`
	Elapsed    time.Duration `json:"elapsed"`
	Latency    LatencyStats  `json:"latency"`
}

func (o *Options) normalize() {
	if o.Claimers < 1 {
		o.Claimers = 1
	}
	if o.Records < 0 {
		o.Records = 0
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.Owners < 1 {
		o.Owners = 1
	}
}

// Seed creates n non-overlapping pending records spread over owners.
func Seed(ctx context.Context, database *db.DB, n, owners int) error {
	if owners < 1 {
		owners = 1
	}
	base := database.Now().Add(-time.Duration(n+1) * 2 * time.Minute).Truncate(time.Minute)
	for i := 0; i < n; i++ {
		_, err := database.CreateLog(ctx, db.CreateLogParams{
			Owner:    fmt.Sprintf("load-%02d", i%owners),
			EndAt:    base.Add(time.Duration(i) * 2 * time.Minute),
			Duration: time.Minute,
			Text:     fmt.Sprintf("load test record %d", i),
			TimeZone: "UTC",
		})
		if err != nil {
			return fmt.Errorf("failed to seed record %d: %w", i, err)
		}
	}
	return nil
}

// Run seeds opts.Records records and drains the outbox with opts.Claimers
// concurrent claimers. Claimed entries are left inflight.
func Run(ctx context.Context, database *db.DB, opts Options) (*Report, error) {
	opts.normalize()
	if err := Seed(ctx, database, opts.Records, opts.Owners); err != nil {
		return nil, err
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		seen      = make(map[int64]string, opts.Records)
		durations []time.Duration
		report    = &Report{Seeded: opts.Records}
	)

	start := time.Now()
	for i := 0; i < opts.Claimers; i++ {
		wg.Add(1)
		go func(claimer int) {
			defer wg.Done()
			worker := fmt.Sprintf("claimer-%d", claimer)

			for ctx.Err() == nil {
				t0 := time.Now()
				claimed, err := database.ClaimOutbox(ctx, opts.BatchSize, uuid.NewString(), worker)
				elapsed := time.Since(t0)

				mu.Lock()
				durations = append(durations, elapsed)
				if err != nil {
					report.Errors++
					mu.Unlock()
					return
				}
				for _, c := range claimed {
					if _, dup := seen[c.Entry.ID]; dup {
						report.Duplicates++
						continue
					}
					seen[c.Entry.ID] = worker
				}
				report.Claimed += len(claimed)
				mu.Unlock()

				if len(claimed) == 0 {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	report.Elapsed = time.Since(start)
	report.Latency = computeLatencyStats(durations)
	return report, ctx.Err()
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Calls: len(durations),
	}
}

// Print formats the report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Claim contention:\n")
	fmt.Fprintf(w, "  Seeded:        %d\n", r.Seeded)
	fmt.Fprintf(w, "  Claimed:       %d\n", r.Claimed)
	fmt.Fprintf(w, "  Duplicates:    %d\n", r.Duplicates)
	fmt.Fprintf(w, "  Errors:        %d\n", r.Errors)
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed)
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Claim calls:   %d\n", r.Latency.Calls)
	fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)
}
