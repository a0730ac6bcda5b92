package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// IntentStore implements domain.IntentStore using PostgreSQL.
type IntentStore struct {
	pool *pgxpool.Pool
}

var _ domain.IntentStore = (*IntentStore)(nil)

func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

const intentColumns = `hash, salt, source_chain_id, destination_chain_id, inbox, creator, prover,
	route_token, route_amount::text, reward_token, reward_amount::text, native_value::text,
	calls, deadline, negative, status, created_at`

// Upsert inserts the intent or refreshes every field of an existing one.
func (s *IntentStore) Upsert(ctx context.Context, in domain.Intent) error {
	if in.Status == "" {
		in.Status = domain.IntentPending
	}
	calls, err := json.Marshal(in.Calls)
	if err != nil {
		return fmt.Errorf("postgres: marshal intent calls: %w", err)
	}
	const query = `INSERT INTO intents (
		hash, salt, source_chain_id, destination_chain_id, inbox, creator, prover,
		route_token, route_amount, reward_token, reward_amount, native_value,
		calls, deadline, negative, status, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::numeric,$10,$11::numeric,$12::numeric,$13,$14,$15,$16,
		COALESCE($17, NOW()))
	ON CONFLICT (hash) DO UPDATE SET
		route_amount = EXCLUDED.route_amount,
		reward_amount = EXCLUDED.reward_amount,
		native_value = EXCLUDED.native_value,
		calls = EXCLUDED.calls,
		deadline = EXCLUDED.deadline,
		negative = intents.negative OR EXCLUDED.negative,
		status = EXCLUDED.status`

	var created any
	if !in.CreatedAt.IsZero() {
		created = in.CreatedAt
	}
	_, err = s.pool.Exec(ctx, query,
		hashHex(in.Hash), hashHex(in.Salt), in.SourceChainID, in.DestinationChainID,
		lowerHex(in.Inbox), lowerHex(in.Creator), lowerHex(in.Prover),
		lowerHex(in.RouteToken), numeric(in.RouteAmount), lowerHex(in.RewardToken), numeric(in.RewardAmount),
		numeric(in.NativeValue), calls, in.Deadline, in.Negative, string(in.Status), created,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert intent %s: %w", in.Hash.Hex(), err)
	}
	return nil
}

func (s *IntentStore) Get(ctx context.Context, hash common.Hash) (domain.Intent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE hash = $1`, hashHex(hash))
	in, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Intent{}, fmt.Errorf("postgres: intent %s: %w", hash.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return domain.Intent{}, fmt.Errorf("postgres: get intent %s: %w", hash.Hex(), err)
	}
	return in, nil
}

func (s *IntentStore) ListOpen(ctx context.Context, f domain.IntentFilter) ([]domain.Intent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+intentColumns+` FROM intents
		WHERE status = 'PENDING'
		  AND destination_chain_id = $1 AND route_token = $2
		  AND source_chain_id = $3 AND reward_token = $4
		ORDER BY created_at, hash`,
		f.RouteChainID, lowerHex(f.RouteToken), f.RewardChainID, lowerHex(f.RewardToken),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open intents: %w", err)
	}
	defer rows.Close()

	var out []domain.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open intents rows: %w", err)
	}
	return out, nil
}

func (s *IntentStore) UpdateStatus(ctx context.Context, hash common.Hash, status domain.IntentStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE intents SET status = $2 WHERE hash = $1`, hashHex(hash), string(status))
	if err != nil {
		return fmt.Errorf("postgres: update intent %s: %w", hash.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: intent %s: %w", hash.Hex(), domain.ErrNotFound)
	}
	return nil
}

func scanIntent(row pgx.Row) (domain.Intent, error) {
	var (
		in                                 domain.Intent
		hash, salt, inbox, creator, prover string
		routeToken, rewardToken, status    string
		routeAmount, rewardAmount, native  string
		calls                              []byte
	)
	err := row.Scan(
		&hash, &salt, &in.SourceChainID, &in.DestinationChainID, &inbox, &creator, &prover,
		&routeToken, &routeAmount, &rewardToken, &rewardAmount, &native,
		&calls, &in.Deadline, &in.Negative, &status, &in.CreatedAt,
	)
	if err != nil {
		return domain.Intent{}, err
	}
	in.Hash = common.HexToHash(hash)
	in.Salt = common.HexToHash(salt)
	in.Inbox = common.HexToAddress(inbox)
	in.Creator = common.HexToAddress(creator)
	in.Prover = common.HexToAddress(prover)
	in.RouteToken = common.HexToAddress(routeToken)
	in.RewardToken = common.HexToAddress(rewardToken)
	in.Status = domain.IntentStatus(status)
	if len(calls) > 0 {
		if err := json.Unmarshal(calls, &in.Calls); err != nil {
			return domain.Intent{}, fmt.Errorf("postgres: unmarshal intent calls: %w", err)
		}
	}
	if in.RouteAmount, err = parseNumeric(routeAmount); err != nil {
		return domain.Intent{}, err
	}
	if in.RewardAmount, err = parseNumeric(rewardAmount); err != nil {
		return domain.Intent{}, err
	}
	if in.NativeValue, err = parseNumeric(native); err != nil {
		return domain.Intent{}, err
	}
	return in, nil
}

func hashHex(h common.Hash) string { return h.Hex() }
