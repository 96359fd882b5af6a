package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/shopspring/decimal"

	"github.com/kirana-ledger/ledger/internal/types"
)

// Store persists collections of ledger documents in SQLite.
type Store struct {
	conn *sql.DB
	now  func() time.Time
}

// OpenStore opens or creates the document database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS docs (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		date TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		income TEXT NOT NULL,
		expense TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_docs_collection ON docs(collection, created_at);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// List returns every document of collection in creation order.
func (s *Store) List(ctx context.Context, collection string) ([]types.Transaction, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, date, description, income, expense, created_at
		FROM docs
		WHERE collection = ?
		ORDER BY created_at, id
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	docs := []types.Transaction{}
	for rows.Next() {
		var (
			tx              types.Transaction
			income, expense string
			createdAt       int64
		)
		if err := rows.Scan(&tx.ID, &tx.Date, &tx.Description, &income, &expense, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if tx.Income, err = decimal.NewFromString(income); err != nil {
			return nil, fmt.Errorf("document %s has invalid income %q: %w", tx.ID, income, err)
		}
		if tx.Expense, err = decimal.NewFromString(expense); err != nil {
			return nil, fmt.Errorf("document %s has invalid expense %q: %w", tx.ID, expense, err)
		}
		tx.Origin = types.OriginRemote
		tx.Timestamp = time.Unix(0, createdAt).UTC()
		docs = append(docs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// Insert creates a document with a server-assigned id and timestamp.
func (s *Store) Insert(ctx context.Context, collection string, in types.TransactionInput) (types.Transaction, error) {
	tx := types.Transaction{
		ID:          uuid.NewString(),
		Origin:      types.OriginRemote,
		Date:        in.Date,
		Description: in.Description,
		Income:      in.Income,
		Expense:     in.Expense,
		Timestamp:   s.now().UTC(),
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO docs (collection, id, date, description, income, expense, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, collection, tx.ID, tx.Date, tx.Description, tx.Income.String(), tx.Expense.String(), tx.Timestamp.UnixNano())
	if err != nil {
		return types.Transaction{}, fmt.Errorf("failed to insert document: %w", err)
	}
	return tx, nil
}

// Delete removes a document. Returns false, nil if it doesn't exist.
func (s *Store) Delete(ctx context.Context, collection, id string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM docs WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
