package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// RebalanceStore implements domain.RebalanceStore using PostgreSQL. Amounts
// are NUMERIC(78,0) and travel as decimal text.
type RebalanceStore struct {
	pool *pgxpool.Pool
}

var _ domain.RebalanceStore = (*RebalanceStore)(nil)

func NewRebalanceStore(pool *pgxpool.Pool) *RebalanceStore {
	return &RebalanceStore{pool: pool}
}

const rebalanceColumns = `id, group_id, wallet, strategy,
	token_in_chain, token_in_address, token_in_decimals, token_in_symbol,
	token_out_chain, token_out_address, token_out_decimals, token_out_symbol,
	amount_in::text, amount_out::text, slippage, context, status, created_at, updated_at`

func (s *RebalanceStore) Create(ctx context.Context, r domain.Rebalance) error {
	const query = `INSERT INTO rebalances (
		id, group_id, wallet, strategy,
		token_in_chain, token_in_address, token_in_decimals, token_in_symbol,
		token_out_chain, token_out_address, token_out_decimals, token_out_symbol,
		amount_in, amount_out, slippage, context, status, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13::numeric,$14::numeric,$15,$16,$17,$18,$19)`

	var rawCtx []byte
	if len(r.Context) > 0 {
		rawCtx = r.Context
	}
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.GroupID, lowerHex(r.Wallet), string(r.Strategy),
		r.TokenIn.ChainID, lowerHex(r.TokenIn.Address), int16(r.TokenIn.Decimals), r.TokenIn.Symbol,
		r.TokenOut.ChainID, lowerHex(r.TokenOut.Address), int16(r.TokenOut.Decimals), r.TokenOut.Symbol,
		numeric(r.AmountIn), numeric(r.AmountOut), r.Slippage, rawCtx, string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create rebalance %s: %w", r.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create rebalance %s: %w", r.ID, err)
	}
	return nil
}

func (s *RebalanceStore) Get(ctx context.Context, id string) (domain.Rebalance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+rebalanceColumns+` FROM rebalances WHERE id = $1`, id)
	r, err := scanRebalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Rebalance{}, fmt.Errorf("postgres: rebalance %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Rebalance{}, fmt.Errorf("postgres: get rebalance %s: %w", id, err)
	}
	return r, nil
}

// UpdateStatus moves a PENDING row to a terminal status. The WHERE clause
// makes the transition atomic across processes.
func (s *RebalanceStore) UpdateStatus(ctx context.Context, id string, status domain.RebalanceStatus) error {
	if !domain.CanTransition(domain.RebalancePending, status) {
		return fmt.Errorf("postgres: rebalance %s -> %s: %w", id, status, domain.ErrInvalidTransition)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE rebalances SET status = $2, updated_at = NOW() WHERE id = $1 AND status = 'PENDING'`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update rebalance %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM rebalances WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: rebalance %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: update rebalance %s: %w", id, err)
	}
	return fmt.Errorf("postgres: rebalance %s %s -> %s: %w", id, current, status, domain.ErrInvalidTransition)
}

func (s *RebalanceStore) ListByGroup(ctx context.Context, groupID string) ([]domain.Rebalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+rebalanceColumns+` FROM rebalances WHERE group_id = $1 ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list group %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []domain.Rebalance
	for rows.Next() {
		r, err := scanRebalance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan rebalance: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list group %s rows: %w", groupID, err)
	}
	return out, nil
}

func (s *RebalanceStore) PendingReservedByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error) {
	return s.sumPending(ctx, wallet, `SELECT token_in_chain, token_in_address, SUM(amount_in)::text
		FROM rebalances WHERE wallet = $1 AND status = 'PENDING'
		GROUP BY token_in_chain, token_in_address`)
}

func (s *RebalanceStore) PendingIncomingByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error) {
	return s.sumPending(ctx, wallet, `SELECT token_out_chain, token_out_address, SUM(amount_out)::text
		FROM rebalances WHERE wallet = $1 AND status = 'PENDING'
		GROUP BY token_out_chain, token_out_address`)
}

func (s *RebalanceStore) sumPending(ctx context.Context, wallet common.Address, query string) (map[string]*big.Int, error) {
	rows, err := s.pool.Query(ctx, query, lowerHex(wallet))
	if err != nil {
		return nil, fmt.Errorf("postgres: pending sums: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*big.Int)
	for rows.Next() {
		var (
			chainID int64
			addr    string
			sum     string
		)
		if err := rows.Scan(&chainID, &addr, &sum); err != nil {
			return nil, fmt.Errorf("postgres: scan pending sum: %w", err)
		}
		amt, err := parseNumeric(sum)
		if err != nil {
			return nil, err
		}
		out[domain.TokenKey(chainID, common.HexToAddress(addr))] = amt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: pending sums rows: %w", err)
	}
	return out, nil
}

func scanRebalance(row pgx.Row) (domain.Rebalance, error) {
	var (
		r                        domain.Rebalance
		wallet, strategy, status string
		inAddr, outAddr          string
		inDecimals, outDecimals  int16
		amountIn, amountOut      string
		rawCtx                   []byte
	)
	err := row.Scan(
		&r.ID, &r.GroupID, &wallet, &strategy,
		&r.TokenIn.ChainID, &inAddr, &inDecimals, &r.TokenIn.Symbol,
		&r.TokenOut.ChainID, &outAddr, &outDecimals, &r.TokenOut.Symbol,
		&amountIn, &amountOut, &r.Slippage, &rawCtx, &status, &r.CreatedAt, &r.UpdatedAt,
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
	r.Context = rawCtx
	if r.AmountIn, err = parseNumeric(amountIn); err != nil {
		return domain.Rebalance{}, err
	}
	if r.AmountOut, err = parseNumeric(amountOut); err != nil {
		return domain.Rebalance{}, err
	}
	return r, nil
}

func lowerHex(a common.Address) string { return strings.ToLower(a.Hex()) }

func numeric(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func parseNumeric(s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", s)
	}
	return x, nil
}
