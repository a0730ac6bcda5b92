// Package sqlite implements domain.RebalanceStore on SQLite through the pure
// Go modernc driver. It backs the "sqlite" store driver used in development
// and single-process deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS rebalances (
    id                 TEXT PRIMARY KEY,
    group_id           TEXT    NOT NULL,
    wallet             TEXT    NOT NULL,
    strategy           TEXT    NOT NULL,
    token_in_chain     INTEGER NOT NULL,
    token_in_address   TEXT    NOT NULL,
    token_in_decimals  INTEGER NOT NULL,
    token_in_symbol    TEXT    NOT NULL DEFAULT '',
    token_out_chain    INTEGER NOT NULL,
    token_out_address  TEXT    NOT NULL,
    token_out_decimals INTEGER NOT NULL,
    token_out_symbol   TEXT    NOT NULL DEFAULT '',
    amount_in          TEXT    NOT NULL,
    amount_out         TEXT    NOT NULL,
    slippage           REAL    NOT NULL DEFAULT 0,
    context            BLOB,
    status             TEXT    NOT NULL DEFAULT 'PENDING',
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rebalances_group   ON rebalances(group_id);
CREATE INDEX IF NOT EXISTS idx_rebalances_pending ON rebalances(wallet, status);
`

// RebalanceStore is a domain.RebalanceStore backed by one SQLite file.
// Amounts are kept as decimal text and summed in Go, since SQLite integers
// stop at 64 bits.
type RebalanceStore struct {
	db *sql.DB
}

var _ domain.RebalanceStore = (*RebalanceStore)(nil)

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(path string) (*RebalanceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// Single writer; also keeps a ":memory:" database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &RebalanceStore{db: db}, nil
}

func (s *RebalanceStore) Close() error { return s.db.Close() }

func (s *RebalanceStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *RebalanceStore) Create(ctx context.Context, r domain.Rebalance) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO rebalances (
		id, group_id, wallet, strategy,
		token_in_chain, token_in_address, token_in_decimals, token_in_symbol,
		token_out_chain, token_out_address, token_out_decimals, token_out_symbol,
		amount_in, amount_out, slippage, context, status, created_at, updated_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.GroupID, lowerHex(r.Wallet), string(r.Strategy),
		r.TokenIn.ChainID, lowerHex(r.TokenIn.Address), int(r.TokenIn.Decimals), r.TokenIn.Symbol,
		r.TokenOut.ChainID, lowerHex(r.TokenOut.Address), int(r.TokenOut.Decimals), r.TokenOut.Symbol,
		amount(r.AmountIn), amount(r.AmountOut), r.Slippage, []byte(r.Context), string(r.Status),
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("sqlite: create rebalance %s: %w", r.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create rebalance %s: %w", r.ID, err)
	}
	return nil
}

const columns = `id, group_id, wallet, strategy,
	token_in_chain, token_in_address, token_in_decimals, token_in_symbol,
	token_out_chain, token_out_address, token_out_decimals, token_out_symbol,
	amount_in, amount_out, slippage, context, status, created_at, updated_at`

func (s *RebalanceStore) Get(ctx context.Context, id string) (domain.Rebalance, error) {
	r, err := scan(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM rebalances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Rebalance{}, fmt.Errorf("sqlite: rebalance %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Rebalance{}, fmt.Errorf("sqlite: get rebalance %s: %w", id, err)
	}
	return r, nil
}

func (s *RebalanceStore) UpdateStatus(ctx context.Context, id string, status domain.RebalanceStatus) error {
	if !domain.CanTransition(domain.RebalancePending, status) {
		return fmt.Errorf("sqlite: rebalance %s -> %s: %w", id, status, domain.ErrInvalidTransition)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rebalances SET status = ?, updated_at = ? WHERE id = ? AND status = 'PENDING'`,
		string(status), time.Now().UTC().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update rebalance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM rebalances WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: rebalance %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: update rebalance %s: %w", id, err)
	}
	return fmt.Errorf("sqlite: rebalance %s %s -> %s: %w", id, current, status, domain.ErrInvalidTransition)
}

func (s *RebalanceStore) ListByGroup(ctx context.Context, groupID string) ([]domain.Rebalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM rebalances WHERE group_id = ? ORDER BY created_at, rowid`, groupID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list group %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []domain.Rebalance
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan rebalance: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RebalanceStore) PendingReservedByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error) {
	return s.sumPending(ctx, wallet, `SELECT token_in_chain, token_in_address, amount_in
		FROM rebalances WHERE wallet = ? AND status = 'PENDING'`)
}

func (s *RebalanceStore) PendingIncomingByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error) {
	return s.sumPending(ctx, wallet, `SELECT token_out_chain, token_out_address, amount_out
		FROM rebalances WHERE wallet = ? AND status = 'PENDING'`)
}

func (s *RebalanceStore) sumPending(ctx context.Context, wallet common.Address, query string) (map[string]*big.Int, error) {
	rows, err := s.db.QueryContext(ctx, query, lowerHex(wallet))
	if err != nil {
		return nil, fmt.Errorf("sqlite: pending sums: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*big.Int)
	for rows.Next() {
		var (
			chainID int64
			addr    string
			raw     string
		)
		if err := rows.Scan(&chainID, &addr, &raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan pending sum: %w", err)
		}
		x, err := parseAmount(raw)
		if err != nil {
			return nil, err
		}
		key := domain.TokenKey(chainID, common.HexToAddress(addr))
		if out[key] == nil {
			out[key] = new(big.Int)
		}
		out[key].Add(out[key], x)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (domain.Rebalance, error) {
	var (
		r                        domain.Rebalance
		wallet, strategy, status string
		inAddr, outAddr          string
		inDecimals, outDecimals  int
		amountIn, amountOut      string
		rawCtx                   []byte
		created, updated         int64
	)
	err := row.Scan(
		&r.ID, &r.GroupID, &wallet, &strategy,
		&r.TokenIn.ChainID, &inAddr, &inDecimals, &r.TokenIn.Symbol,
		&r.TokenOut.ChainID, &outAddr, &outDecimals, &r.TokenOut.Symbol,
		&amountIn, &amountOut, &r.Slippage, &rawCtx, &status, &created, &updated,
	)
	if err != nil {
		return domain.Rebalance{}, err
	}
	r.Wallet = common.HexToAddress(wallet)
	r.Strategy = domain.Strategy(strategy)
	r.Status = domain.RebalanceStatus(status)
	r.TokenIn.Address = common.HexToAddress(inAddr)
	r.TokenIn.Decimals = uint8(inDecimals)
	r.TokenOut.Address = common.HexToAddress(outAddr)
	r.TokenOut.Decimals = uint8(outDecimals)
	if len(rawCtx) > 0 {
		r.Context = rawCtx
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	if r.AmountIn, err = parseAmount(amountIn); err != nil {
		return domain.Rebalance{}, err
	}
	if r.AmountOut, err = parseAmount(amountOut); err != nil {
		return domain.Rebalance{}, err
	}
	return r, nil
}

func lowerHex(a common.Address) string { return strings.ToLower(a.Hex()) }

func amount(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func parseAmount(s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("sqlite: invalid amount %q", s)
	}
	return x, nil
}
