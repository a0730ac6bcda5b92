package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

const (
	// fallbackGasLimit is used when estimation fails.
	fallbackGasLimit = uint64(500_000)
	receiptPoll      = 2 * time.Second
)

// BackendResolver returns the RPC backend for a chain.
type BackendResolver interface {
	Backend(chainID int64) (Backend, error)
}

// Transactor signs legacy transactions with one key and submits them on any
// configured chain. Nonces are serialized per chain.
type Transactor struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	backends BackendResolver
	logger   *slog.Logger

	mu     sync.Mutex
	chains map[int64]*sync.Mutex
}

var _ domain.Transactor = (*Transactor)(nil)

// NewTransactor creates a Transactor for key.
func NewTransactor(key *ecdsa.PrivateKey, backends BackendResolver, logger *slog.Logger) *Transactor {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Transactor{
		key:      key,
		address:  addr,
		backends: backends,
		logger:   logger.With(slog.String("component", "transactor"), slog.String("wallet", addr.Hex())),
		chains:   make(map[int64]*sync.Mutex),
	}
}

func (t *Transactor) Address() common.Address { return t.address }

func (t *Transactor) chainLock(chainID int64) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.chains[chainID]
	if !ok {
		m = &sync.Mutex{}
		t.chains[chainID] = m
	}
	return m
}

// Send estimates gas with a 20% buffer, signs and broadcasts req.
func (t *Transactor) Send(ctx context.Context, req domain.TxRequest) (common.Hash, error) {
	b, err := t.backends.Backend(req.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	lock := t.chainLock(req.ChainID)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := b.PendingNonceAt(ctx, t.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: nonce on %d: %w", req.ChainID, err)
	}
	gasPrice, err := b.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas price on %d: %w", req.ChainID, err)
	}
	gas := req.GasLimit
	if gas == 0 {
		to := req.To
		gas, err = b.EstimateGas(ctx, ethereum.CallMsg{From: t.address, To: &to, GasPrice: gasPrice, Value: value, Data: req.Data})
		if err != nil {
			t.logger.Warn("gas estimate failed, using default",
				slog.Int64("chain_id", req.ChainID),
				slog.Uint64("limit", fallbackGasLimit),
				slog.String("error", err.Error()),
			)
			gas = fallbackGasLimit
		}
		gas = gas * 12 / 10
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.To,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(req.ChainID)), t.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign tx: %w: %v", domain.ErrSigningFailed, err)
	}
	if err := b.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send tx on %d: %w", req.ChainID, err)
	}
	t.logger.Info("transaction sent",
		slog.Int64("chain_id", req.ChainID),
		slog.String("to", req.To.Hex()),
		slog.String("tx", signed.Hash().Hex()),
	)
	return signed.Hash(), nil
}

// WaitMined polls for the receipt until ctx ends. A reverted receipt is
// returned together with an error.
func (t *Transactor) WaitMined(ctx context.Context, chainID int64, hash common.Hash) (*types.Receipt, error) {
	b, err := t.backends.Backend(chainID)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()
	for {
		r, err := b.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && r != nil:
			if r.Status != types.ReceiptStatusSuccessful {
				return r, fmt.Errorf("chain: tx %s reverted on %d", hash.Hex(), chainID)
			}
			return r, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			t.logger.Debug("receipt lookup failed", slog.String("tx", hash.Hex()), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// EnsureAllowance approves spender for amount when the current allowance is
// lower, and waits for the approval to be mined.
func EnsureAllowance(ctx context.Context, client domain.ChainClient, tx domain.Transactor, chainID int64, token, spender common.Address, amount *big.Int) error {
	if token == (common.Address{}) {
		return nil
	}
	current, err := ERC20Allowance(ctx, client, chainID, token, tx.Address(), spender)
	if err != nil {
		return fmt.Errorf("chain: allowance: %w", err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	data, err := ERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return fmt.Errorf("chain: pack approve: %w", err)
	}
	hash, err := tx.Send(ctx, domain.TxRequest{ChainID: chainID, To: token, Data: data})
	if err != nil {
		return fmt.Errorf("chain: approve: %w", err)
	}
	if _, err := tx.WaitMined(ctx, chainID, hash); err != nil {
		return fmt.Errorf("chain: approve: %w", err)
	}
	return nil
}

// Transactors maps wallet addresses to their transactor.
type Transactors map[common.Address]domain.Transactor

// For returns the transactor for wallet.
func (ts Transactors) For(wallet common.Address) (domain.Transactor, error) {
	t, ok := ts[wallet]
	if !ok {
		return nil, fmt.Errorf("chain: no signer for %s: %w", wallet.Hex(), domain.ErrUnsupportedWallet)
	}
	return t, nil
}
