package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// BalanceSource reads ERC20 balances over a ChainClient. The zero address
// stands for the chain's native asset.
type BalanceSource struct {
	client domain.ChainClient
	native func(ctx context.Context, chainID int64, addr common.Address) (*big.Int, error)
	// parallel bounds concurrent RPC reads.
	parallel int
}

var _ domain.BalanceSource = (*BalanceSource)(nil)

// NewBalanceSource creates a BalanceSource. If client also reads native
// balances (as MultiClient does) the zero address is supported.
func NewBalanceSource(client domain.ChainClient) *BalanceSource {
	bs := &BalanceSource{client: client, parallel: 8}
	if n, ok := client.(interface {
		BalanceAt(ctx context.Context, chainID int64, addr common.Address) (*big.Int, error)
	}); ok {
		bs.native = n.BalanceAt
	}
	return bs
}

// Positions fetches a snapshot for every configured token in config order.
func (b *BalanceSource) Positions(ctx context.Context, wallet common.Address, tokens []domain.TokenConfig) ([]domain.TokenPosition, error) {
	out := make([]domain.TokenPosition, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallel)
	for i, tc := range tokens {
		g.Go(func() error {
			bal, err := b.balanceOf(gctx, tc.ChainID, tc.Address, wallet)
			if err != nil {
				return fmt.Errorf("chain: balance %s on %d: %w", tc.Address.Hex(), tc.ChainID, err)
			}
			out[i] = domain.TokenPosition{
				ChainID:       tc.ChainID,
				Address:       tc.Address,
				Decimals:      tc.Decimals,
				Symbol:        tc.Symbol,
				Balance:       bal,
				MinBalance:    decimals.FromFloat(tc.MinBalance, tc.Decimals),
				TargetBalance: decimals.FromFloat(tc.TargetBalance, tc.Decimals),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Position fetches one token's snapshot.
func (b *BalanceSource) Position(ctx context.Context, wallet common.Address, tc domain.TokenConfig) (domain.TokenPosition, error) {
	ps, err := b.Positions(ctx, wallet, []domain.TokenConfig{tc})
	if err != nil {
		return domain.TokenPosition{}, err
	}
	return ps[0], nil
}

func (b *BalanceSource) balanceOf(ctx context.Context, chainID int64, token, owner common.Address) (*big.Int, error) {
	if token == (common.Address{}) {
		if b.native == nil {
			return nil, fmt.Errorf("native balance unsupported")
		}
		return b.native(ctx, chainID, owner)
	}
	return ERC20BalanceOf(ctx, b.client, chainID, token, owner)
}

// ERC20BalanceOf calls balanceOf(owner) on token.
func ERC20BalanceOf(ctx context.Context, client domain.ChainClient, chainID int64, token, owner common.Address) (*big.Int, error) {
	return callUint256(ctx, client, chainID, token, "balanceOf", owner)
}

// ERC20Allowance calls allowance(owner, spender) on token.
func ERC20Allowance(ctx context.Context, client domain.ChainClient, chainID int64, token, owner, spender common.Address) (*big.Int, error) {
	return callUint256(ctx, client, chainID, token, "allowance", owner, spender)
}

func callUint256(ctx context.Context, client domain.ChainClient, chainID int64, token common.Address, method string, args ...any) (*big.Int, error) {
	data, err := ERC20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := client.CallContract(ctx, chainID, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, err
	}
	vals, err := ERC20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}
