// Package storage persists reconciliation snapshots to PostgreSQL for
// balance history. The cache never reads it back; a restart
// repopulates from the indexer.
package storage

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsefolio/pulse-tracker/internal/cache"
)

// Store manages PostgreSQL operations
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store with connection pooling
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// SaveSnapshots batch-inserts one reconciliation pass worth of balance
// records for a wallet.
func (s *Store) SaveSnapshots(ctx context.Context, wallet string, records []cache.BalanceRecord) error {
	if len(records) == 0 {
		return nil
	}

	recordedAt := time.Now().UTC()
	batch := &pgx.Batch{}

	for _, rec := range records {
		var decimals int16 = -1
		if rec.Decimals != nil {
			decimals = int16(*rec.Decimals)
		}
		batch.Queue(`
			INSERT INTO balance_snapshots
			(recorded_at, wallet, token_address, symbol, decimals, raw_balance, balance, block_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			recordedAt,
			wallet,
			rec.Token,
			rec.Symbol,
			decimals,
			rec.RawBalance,
			rec.Formatted,
			rec.LastUpdatedBlock,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("snapshot insert failed: %w", err)
		}
	}

	return nil
}

// WalletHistory returns the most recent snapshots for a wallet, newest
// first, bounded by limit.
func (s *Store) WalletHistory(ctx context.Context, wallet string, limit int) ([]BalanceSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recorded_at, wallet, token_address, symbol, decimals, raw_balance, balance, block_number
		FROM balance_snapshots
		WHERE wallet = $1
		ORDER BY recorded_at DESC, token_address
		LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	var snapshots []BalanceSnapshot
	for rows.Next() {
		var snap BalanceSnapshot
		if err := rows.Scan(
			&snap.ID, &snap.RecordedAt, &snap.Wallet, &snap.TokenAddress,
			&snap.Symbol, &snap.Decimals, &snap.RawBalance, &snap.Balance,
			&snap.BlockNumber,
		); err != nil {
			return nil, fmt.Errorf("history scan failed: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// Ping verifies the connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
