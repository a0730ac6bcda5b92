// Package chain wraps go-ethereum RPC clients for every configured chain and
// provides token balance reads, allowance management and transaction
// submission for the rebalancing wallets.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// Endpoint is one chain's RPC configuration.
type Endpoint struct {
	ChainID int64
	RPCURL  string
}

// Backend is the RPC surface used per chain. *ethclient.Client satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// MultiClient routes RPC calls to the backend for a chain ID.
type MultiClient struct {
	backends map[int64]Backend
	closers  []func()
	logger   *slog.Logger
}

var _ domain.ChainClient = (*MultiClient)(nil)

// Dial connects to every endpoint. On error, already opened connections are
// closed.
func Dial(ctx context.Context, endpoints []Endpoint, logger *slog.Logger) (*MultiClient, error) {
	mc := &MultiClient{
		backends: make(map[int64]Backend, len(endpoints)),
		logger:   logger.With(slog.String("component", "chain")),
	}
	for _, ep := range endpoints {
		url := strings.TrimSpace(ep.RPCURL)
		if url == "" {
			mc.Close()
			return nil, fmt.Errorf("chain: %d: rpc url required", ep.ChainID)
		}
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			mc.Close()
			return nil, fmt.Errorf("chain: dial %d: %w", ep.ChainID, err)
		}
		mc.backends[ep.ChainID] = c
		mc.closers = append(mc.closers, c.Close)
		mc.logger.Info("rpc connected", slog.Int64("chain_id", ep.ChainID))
	}
	return mc, nil
}

// NewMultiClient builds a MultiClient over existing backends.
func NewMultiClient(backends map[int64]Backend, logger *slog.Logger) *MultiClient {
	return &MultiClient{backends: backends, logger: logger.With(slog.String("component", "chain"))}
}

// Backend returns the backend for chainID.
func (m *MultiClient) Backend(chainID int64) (Backend, error) {
	b, ok := m.backends[chainID]
	if !ok {
		return nil, fmt.Errorf("chain: no rpc for chain %d: %w", chainID, domain.ErrNotFound)
	}
	return b, nil
}

// Close releases every connection.
func (m *MultiClient) Close() {
	for _, c := range m.closers {
		c()
	}
	m.closers = nil
}

func (m *MultiClient) BlockNumber(ctx context.Context, chainID int64) (uint64, error) {
	b, err := m.Backend(chainID)
	if err != nil {
		return 0, err
	}
	n, err := b.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number %d: %w", chainID, err)
	}
	return n, nil
}

func (m *MultiClient) CallContract(ctx context.Context, chainID int64, msg ethereum.CallMsg) ([]byte, error) {
	b, err := m.Backend(chainID)
	if err != nil {
		return nil, err
	}
	out, err := b.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %d %s: %w", chainID, addrOrNil(msg.To), err)
	}
	return out, nil
}

func (m *MultiClient) FilterLogs(ctx context.Context, chainID int64, q ethereum.FilterQuery) ([]types.Log, error) {
	b, err := m.Backend(chainID)
	if err != nil {
		return nil, err
	}
	logs, err := b.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs %d: %w", chainID, err)
	}
	return logs, nil
}

func (m *MultiClient) TransactionReceipt(ctx context.Context, chainID int64, hash common.Hash) (*types.Receipt, error) {
	b, err := m.Backend(chainID)
	if err != nil {
		return nil, err
	}
	r, err := b.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chain: receipt %d %s: %w", chainID, hash.Hex(), err)
	}
	return r, nil
}

// BalanceAt returns the native balance of addr.
func (m *MultiClient) BalanceAt(ctx context.Context, chainID int64, addr common.Address) (*big.Int, error) {
	b, err := m.Backend(chainID)
	if err != nil {
		return nil, err
	}
	bal, err := b.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: native balance %d: %w", chainID, err)
	}
	return bal, nil
}

func addrOrNil(a *common.Address) string {
	if a == nil {
		return "<create>"
	}
	return a.Hex()
}
