package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is a read-only RPC view over every configured chain.
type ChainClient interface {
	BlockNumber(ctx context.Context, chainID int64) (uint64, error)
	CallContract(ctx context.Context, chainID int64, msg ethereum.CallMsg) ([]byte, error)
	FilterLogs(ctx context.Context, chainID int64, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, chainID int64, hash common.Hash) (*types.Receipt, error)
}

// TxRequest is an unsigned contract call to submit.
type TxRequest struct {
	ChainID  int64
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Transactor signs and submits transactions for a wallet.
type Transactor interface {
	Address() common.Address
	Send(ctx context.Context, req TxRequest) (common.Hash, error)
	// WaitMined blocks until the transaction is mined and returns its receipt.
	// A reverted receipt is returned with a non-nil error.
	WaitMined(ctx context.Context, chainID int64, hash common.Hash) (*types.Receipt, error)
}
