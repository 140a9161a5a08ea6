// Package postgres provides the Postgres finding audit sink.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chainWatchdog/internal/model"
	"chainWatchdog/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides Postgres persistence for findings.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.FindingSink = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded SQL files in lexical order. They are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

// PutFindings inserts findings; a finding already stored for the same log and rule is skipped.
func (s *Store) PutFindings(ctx context.Context, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range findings {
		batch.Queue(`
			INSERT INTO findings (
				rule_id, variant, severity, message, chain_id, chain_name, contract, kind,
				block_number, tx_hash, log_index, fingerprint, observed_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (chain_id, tx_hash, log_index, rule_id) DO NOTHING
		`,
			f.RuleID,
			string(f.Variant),
			f.Severity.String(),
			f.Message,
			int64(f.ChainID),
			f.ChainName,
			f.Contract.Hex(),
			string(f.Kind),
			int64(f.BlockNumber),
			f.TxHash.Hex(),
			int32(f.LogIndex),
			f.Fingerprint,
			f.ObservedAt.UTC(),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range findings {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}
	return nil
}

// StoredFinding is a row read back from the findings table.
type StoredFinding struct {
	RuleID      string
	Severity    string
	Contract    string
	BlockNumber uint64
	TxHash      string
	Fingerprint string
	ObservedAt  time.Time
}

// RecentFindings returns the newest findings for a contract.
func (s *Store) RecentFindings(ctx context.Context, contract string, limit int) ([]StoredFinding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, severity, contract, block_number, tx_hash, fingerprint, observed_at
		FROM findings
		WHERE contract = $1
		ORDER BY observed_at DESC, id DESC
		LIMIT $2
	`, contract, limit)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []StoredFinding
	for rows.Next() {
		var (
			f     StoredFinding
			block int64
		)
		if err := rows.Scan(&f.RuleID, &f.Severity, &f.Contract, &block, &f.TxHash, &f.Fingerprint, &f.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.BlockNumber = uint64(block)
		out = append(out, f)
	}
	return out, rows.Err()
}
