// Package migrate imports transactions exported by earlier versions of the
// app into the local queue, from which the sync engine uploads them.
package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirana-ledger/ledger/internal/local"
	"github.com/kirana-ledger/ledger/internal/types"
)

// Record is one transaction in a legacy export.
type Record struct {
	ID          string          `json:"id"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Income      decimal.Decimal `json:"income"`
	Expense     decimal.Decimal `json:"expense"`
	Timestamp   LegacyTimestamp `json:"timestamp"`
}

// LegacyTimestamp accepts every timestamp shape older exports contain:
// {"seconds": s, "nanoseconds": n}, a number of seconds, an RFC 3339
// string, or null.
type LegacyTimestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *LegacyTimestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	switch data[0] {
	case '{':
		var obj struct {
			Seconds     float64 `json:"seconds"`
			Nanoseconds int64   `json:"nanoseconds"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("invalid timestamp object: %w", err)
		}
		t.Time = fromSeconds(obj.Seconds).Add(time.Duration(obj.Nanoseconds))
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
	default:
		var secs float64
		if err := json.Unmarshal(data, &secs); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		t.Time = fromSeconds(secs)
	}
	return nil
}

func fromSeconds(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

// Options contains configuration for an import.
type Options struct {
	From     string // Input file: JSON array or JSONL
	LedgerID string // Queue to import into
	DryRun   bool   // Parse and validate without writing
	Backup   bool   // Copy the input file before importing
}

// Result contains statistics about an import.
type Result struct {
	Imported      int
	Duplicates    int
	BackupCreated string
	Errors        []string
}

// ReadRecords parses r as a JSON array or as one JSON object per line.
func ReadRecords(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return records, nil
	}

	var records []Record
	decoder := json.NewDecoder(bytes.NewReader(data))
	for n := 1; ; n++ {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", n, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadFile parses the export at path.
func ReadFile(path string) ([]Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer file.Close()
	return ReadRecords(file)
}

// ToTransaction converts a record into a queued local transaction. Ids
// without the local prefix belonged to another store and are replaced.
func ToTransaction(rec Record, now time.Time) (types.Transaction, error) {
	in := types.TransactionInput{
		Date:        strings.TrimSpace(rec.Date),
		Description: strings.TrimSpace(rec.Description),
		Income:      rec.Income,
		Expense:     rec.Expense,
	}
	if err := in.Validate(); err != nil {
		return types.Transaction{}, err
	}

	ts := rec.Timestamp.Time
	if ts.IsZero() {
		ts = now
	}
	id := rec.ID
	if !strings.HasPrefix(id, types.LocalIDPrefix) {
		id = types.NewLocalID(ts)
	}

	return types.Transaction{
		ID:          id,
		Origin:      types.OriginLocal,
		Date:        in.Date,
		Description: in.Description,
		Income:      in.Income,
		Expense:     in.Expense,
		Timestamp:   ts,
	}, nil
}

// Import adds the records of opts.From to the local queue of opts.LedgerID.
// Invalid rows are reported in Result.Errors and skipped; rows whose id is
// already queued are counted as duplicates.
func Import(ctx context.Context, db *local.DB, opts Options) (*Result, error) {
	if opts.LedgerID == "" {
		return nil, types.ErrNoLedger
	}
	result := &Result{}

	if opts.Backup && !opts.DryRun {
		input, err := os.ReadFile(opts.From)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		backupPath := opts.From + ".backup." + time.Now().Format("20060102-150405")
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	records, err := ReadFile(opts.From)
	if err != nil {
		return nil, err
	}

	queue := db.Queue(opts.LedgerID)
	existing, err := queue.TryLoad()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(existing)+len(records))
	for _, tx := range existing {
		seen[tx.ID] = struct{}{}
	}

	now := time.Now().UTC()
	merged := existing
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tx, err := ToTransaction(rec, now)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}
		if _, dup := seen[tx.ID]; dup {
			result.Duplicates++
			continue
		}
		seen[tx.ID] = struct{}{}
		merged = append(merged, tx)
		result.Imported++
	}

	if opts.DryRun || result.Imported == 0 {
		return result, nil
	}

	types.Sort(merged)
	if err := queue.TrySave(merged); err != nil {
		return nil, err
	}
	return result, nil
}
