// Package loadtest simulates a fleet of devices writing to one shared ledger.
//
// Every device runs its own sync engine and local store. Device 0 owns the
// ledger; the others link to it, the way a shop's helpers share the owner's
// books. The fleet measures write latency under concurrency and verifies
// that every device converges on the same view.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	gosync "sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirana-ledger/ledger/internal/identity"
	"github.com/kirana-ledger/ledger/internal/ledger"
	"github.com/kirana-ledger/ledger/internal/local"
	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/sync"
	"github.com/kirana-ledger/ledger/internal/types"
)

// Device is one simulated device session.
type Device struct {
	Name   string
	DB     *local.DB
	Engine *sync.Engine
}

// Fleet is a set of devices sharing the owner's ledger.
type Fleet struct {
	Devices  []*Device
	LedgerID string
}

// LatencyStats captures write latency across the fleet.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Queued    int // Writes that landed in a local queue instead of the remote
	Errors    int
	Durations []time.Duration
}

// staticProvider signs every session in as the same principal.
type staticProvider struct {
	principal types.Principal
}

func (p staticProvider) SignIn(ctx context.Context) (types.Principal, error) {
	return p.principal, nil
}

// NewFleet opens numDevices sessions against adapter, each with its own
// local store under dir. runID keeps principals of separate runs apart.
func NewFleet(ctx context.Context, dir string, adapter remote.Adapter, numDevices int, runID string, logger *log.Logger) (*Fleet, error) {
	if numDevices < 1 {
		return nil, fmt.Errorf("need at least one device, got %d", numDevices)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	f := &Fleet{LedgerID: fmt.Sprintf("%s-device-0", runID)}
	for i := 0; i < numDevices; i++ {
		name := fmt.Sprintf("%s-device-%d", runID, i)
		db, err := local.Open(filepath.Join(dir, name+".db"), logger)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to open store for %s: %w", name, err)
		}

		resolver := ledger.NewResolver(db)
		if i > 0 {
			if err := resolver.Link(f.LedgerID); err != nil {
				_ = db.Close()
				_ = f.Close()
				return nil, fmt.Errorf("failed to link %s: %w", name, err)
			}
		}

		cfg := sync.DefaultConfig()
		cfg.Logger = logger
		engine := sync.New(db, adapter, identity.NewClient(staticProvider{types.Principal{ID: name}}, logger), resolver, cfg)
		f.Devices = append(f.Devices, &Device{Name: name, DB: db, Engine: engine})

		if err := engine.Start(ctx); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to start %s: %w", name, err)
		}
		engine.Settle(ctx)
	}
	return f, nil
}

// Close stops every engine and closes every store.
func (f *Fleet) Close() error {
	var firstErr error
	for _, d := range f.Devices {
		_ = d.Engine.Close()
		if err := d.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RunConcurrentAdds has every device add perDevice transactions at once.
// Entry j of a device records an income of j+1.
func (f *Fleet) RunConcurrentAdds(ctx context.Context, perDevice int) (*LatencyStats, error) {
	var wg gosync.WaitGroup
	resultsChan := make(chan []time.Duration, len(f.Devices))
	errorsChan := make(chan error, len(f.Devices)*perDevice)

	var mu gosync.Mutex
	queued := 0

	for _, d := range f.Devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()

			durations := make([]time.Duration, 0, perDevice)
			for j := 0; j < perDevice; j++ {
				in := types.TransactionInput{
					Date:        time.Now().Format(types.DateLayout),
					Description: fmt.Sprintf("%s entry %d", d.Name, j),
					Income:      decimal.NewFromInt(int64(j + 1)),
				}

				start := time.Now()
				tx, err := d.Engine.AddTransaction(ctx, in)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("%s add %d failed: %w", d.Name, j, err)
					continue
				}
				if tx.IsLocal() {
					mu.Lock()
					queued++
					mu.Unlock()
				}
			}
			resultsChan <- durations
		}(d)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}
	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no writes completed")
	}

	stats := computeLatencyStats(allDurations)
	for range errorsChan {
		stats.Errors++
	}
	stats.Queued = queued
	return stats, nil
}

// WaitConverged polls until every device shows exactly want transactions
// with identical ids, or ctx is done.
func (f *Fleet) WaitConverged(ctx context.Context, want int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		counts, same := f.snapshot()
		if same && counts[0] == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("devices did not converge on %d transactions: counts=%v", want, counts)
		case <-ticker.C:
		}
	}
}

// snapshot returns each device's view size and whether all views agree.
func (f *Fleet) snapshot() ([]int, bool) {
	counts := make([]int, len(f.Devices))
	var reference []string
	same := true
	for i, d := range f.Devices {
		txs := d.Engine.Transactions()
		counts[i] = len(txs)

		ids := make([]string, len(txs))
		for k, tx := range txs {
			ids[k] = tx.ID
		}
		sort.Strings(ids)
		if i == 0 {
			reference = ids
			continue
		}
		if len(ids) != len(reference) {
			same = false
			continue
		}
		for k := range ids {
			if ids[k] != reference[k] {
				same = false
				break
			}
		}
	}
	return counts, same
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
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

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintStats writes the statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Write Latency:\n")
	fmt.Fprintf(w, "  Total Writes:  %d\n", s.TotalOps)
	fmt.Fprintf(w, "  Queued:        %d\n", s.Queued)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
