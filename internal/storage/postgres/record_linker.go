package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// LinkerConfig names the collaborator table and columns that receive result keys.
type LinkerConfig struct {
	Table     string
	IDColumn  string
	KeyColumn string
}

// RecordLinker writes result keys into denormalized records owned by
// another service.
type RecordLinker struct {
	pool      Pool
	table     string
	idColumn  string
	keyColumn string
}

// NewRecordLinker validates identifiers and constructs a linker.
func NewRecordLinker(pool Pool, cfg LinkerConfig) (*RecordLinker, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	if cfg.KeyColumn == "" {
		cfg.KeyColumn = "streetview_key"
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("records table is required")
	}
	if err := checkIdentifiers(cfg.Table, cfg.IDColumn, cfg.KeyColumn); err != nil {
		return nil, err
	}
	return &RecordLinker{
		pool:      pool,
		table:     cfg.Table,
		idColumn:  cfg.IDColumn,
		keyColumn: cfg.KeyColumn,
	}, nil
}

// AttachResult sets the key column on every record with the target id.
func (l *RecordLinker) AttachResult(ctx context.Context, targetID, resultKey string) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`, l.table, l.keyColumn, l.idColumn)
	tag, err := l.pool.Exec(ctx, query, resultKey, targetID)
	if err != nil {
		return 0, fmt.Errorf("attach result to %s: %w", targetID, err)
	}
	return tag.RowsAffected(), nil
}

// DetachResult nulls the key column on every record with the target id.
func (l *RecordLinker) DetachResult(ctx context.Context, targetID string) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET %s = NULL WHERE %s = $1`, l.table, l.keyColumn, l.idColumn)
	tag, err := l.pool.Exec(ctx, query, targetID)
	if err != nil {
		return 0, fmt.Errorf("detach result from %s: %w", targetID, err)
	}
	return tag.RowsAffected(), nil
}

// LookupResult returns the attached key for targetID.
func (l *RecordLinker) LookupResult(ctx context.Context, targetID string) (string, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 AND %s IS NOT NULL LIMIT 1`,
		l.keyColumn, l.table, l.idColumn, l.keyColumn)
	var key string
	if err := l.pool.QueryRow(ctx, query, targetID).Scan(&key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("record %q: %w", targetID, capture.ErrNotFound)
		}
		return "", fmt.Errorf("lookup result for %s: %w", targetID, err)
	}
	if key == "" {
		return "", fmt.Errorf("record %q: %w", targetID, capture.ErrNotFound)
	}
	return key, nil
}
