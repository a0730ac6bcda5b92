// Package cctp moves USDC between chains by burning it through Circle's
// TokenMessenger and minting it on the destination once Circle attests.
package cctp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/rebalancer/internal/chain"
	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/provider"
	"github.com/alanyoungcy/rebalancer/internal/settlement"
)

var (
	tokenMessengerABI = chain.MustABI(`[
	{"name":"depositForBurn","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},
	           {"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"}],
	 "outputs":[{"name":"nonce","type":"uint64"}]}
]`)
	messageTransmitterABI = chain.MustABI(`[
	{"name":"receiveMessage","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],
	 "outputs":[{"name":"success","type":"bool"}]},
	{"name":"MessageSent","type":"event","anonymous":false,
	 "inputs":[{"name":"message","type":"bytes","indexed":false}]}
]`)
)

// Chain is one CCTP domain.
type Chain struct {
	ChainID            int64
	Domain             uint32
	USDC               common.Address
	TokenMessenger     common.Address
	MessageTransmitter common.Address
}

// Config configures the provider.
type Config struct {
	Wallet common.Address
	Chains []Chain
}

func (c Config) chain(id int64) (Chain, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == id {
			return ch, true
		}
	}
	return Chain{}, false
}

// Swapper quotes a same-chain swap on the destination. The LiFi provider
// satisfies it.
type Swapper interface {
	Quote(ctx context.Context, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int, id string) ([]domain.Quote, error)
}

// Context is stored in Quote.Context.
type Context struct {
	// DestinationSwap is set for CCTP followed by a swap out of USDC on the
	// destination chain.
	DestinationSwap *domain.Quote `json:"destinationSwap,omitempty"`
}

// attestationPayload rides in the check_cctp_attestation delivery.
type attestationPayload struct {
	Message         hexutil.Bytes `json:"message"`
	TxHash          string        `json:"txHash"`
	DestinationSwap *domain.Quote `json:"destinationSwap,omitempty"`
}

// MintJob is the data of a cctp_mint job.
type MintJob struct {
	RebalanceID        string         `json:"rebalanceId"`
	GroupID            string         `json:"groupId,omitempty"`
	Wallet             common.Address `json:"wallet"`
	DestinationChainID int64          `json:"destinationChainId"`
	MessageHash        string         `json:"messageHash"`
	Message            hexutil.Bytes  `json:"message"`
	Attestation        hexutil.Bytes  `json:"attestation"`
	DestinationSwap    *domain.Quote  `json:"destinationSwap,omitempty"`
}

// Provider bridges USDC over CCTP, optionally swapping on arrival.
type Provider struct {
	cfg     Config
	client  domain.ChainClient
	signers provider.Signers
	jobs    domain.JobQueue
	swapper Swapper
	logger  *slog.Logger
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Settler  = (*Provider)(nil)
)

// New creates a CCTP Provider. swapper may be nil to disable destination
// swaps.
func New(cfg Config, client domain.ChainClient, signers provider.Signers, jobs domain.JobQueue, swapper Swapper, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:     cfg,
		client:  client,
		signers: signers,
		jobs:    jobs,
		swapper: swapper,
		logger:  logger.With(slog.String("component", "cctp")),
	}
}

func (p *Provider) Strategy() domain.Strategy { return domain.StrategyCCTP }

func (p *Provider) SettlesAsync(domain.Quote) bool { return true }

// Quote prices a 1:1 USDC burn and mint. When tokenOut is not USDC on a
// CCTP destination and a swapper is set, the USDC leg is followed by a
// destination swap quote.
func (p *Provider) Quote(ctx context.Context, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int, id string) ([]domain.Quote, error) {
	if tokenIn.ChainID == tokenOut.ChainID {
		return nil, fmt.Errorf("cctp: same-chain route: %w", domain.ErrRouteUnavailable)
	}
	src, ok := p.cfg.chain(tokenIn.ChainID)
	if !ok || src.USDC != tokenIn.Address {
		return nil, fmt.Errorf("cctp: %s is not CCTP USDC: %w", tokenIn, domain.ErrRouteUnavailable)
	}
	dst, ok := p.cfg.chain(tokenOut.ChainID)
	if !ok {
		return nil, fmt.Errorf("cctp: chain %d not configured: %w", tokenOut.ChainID, domain.ErrRouteUnavailable)
	}

	bridged := decimals.Convert(amountIn, tokenIn.Decimals, 6)
	q := domain.Quote{
		ID:       id,
		TokenIn:  tokenIn,
		TokenOut: tokenOut,
		AmountIn: new(big.Int).Set(amountIn),
		Strategy: domain.StrategyCCTP,
	}
	var c Context

	if dst.USDC == tokenOut.Address {
		q.AmountOut = decimals.Convert(bridged, 6, tokenOut.Decimals)
	} else {
		if p.swapper == nil {
			return nil, fmt.Errorf("cctp: %s is not CCTP USDC: %w", tokenOut, domain.ErrRouteUnavailable)
		}
		usdc := domain.TokenPosition{ChainID: dst.ChainID, Address: dst.USDC, Decimals: 6, Symbol: "USDC"}
		swaps, err := p.swapper.Quote(ctx, usdc, tokenOut, bridged, id)
		if err != nil {
			return nil, fmt.Errorf("cctp: destination swap: %w", err)
		}
		if len(swaps) != 1 {
			return nil, fmt.Errorf("cctp: destination swap has %d hops: %w", len(swaps), domain.ErrRouteUnavailable)
		}
		swap := swaps[0]
		c.DestinationSwap = &swap
		q.AmountOut = new(big.Int).Set(swap.AmountOut)
		q.MinAmountOut = swap.Guaranteed()
		q.Slippage = provider.Slippage(tokenIn, amountIn, tokenOut, swap.Guaranteed())
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("cctp: encode context: %w", err)
	}
	q.Context = raw
	return []domain.Quote{q}, nil
}

// Execute approves the TokenMessenger, burns USDC with depositForBurn and
// schedules check_cctp_attestation for the emitted message.
func (p *Provider) Execute(ctx context.Context, wallet common.Address, q domain.Quote) (string, error) {
	if wallet != p.cfg.Wallet {
		return "", fmt.Errorf("cctp: wallet %s: %w", wallet.Hex(), domain.ErrUnsupportedWallet)
	}
	tx, err := p.signers.For(wallet)
	if err != nil {
		return "", err
	}
	src, ok := p.cfg.chain(q.TokenIn.ChainID)
	if !ok {
		return "", fmt.Errorf("cctp: chain %d: %w", q.TokenIn.ChainID, domain.ErrRouteUnavailable)
	}
	dst, ok := p.cfg.chain(q.TokenOut.ChainID)
	if !ok {
		return "", fmt.Errorf("cctp: chain %d: %w", q.TokenOut.ChainID, domain.ErrRouteUnavailable)
	}
	var c Context
	if len(q.Context) > 0 {
		if err := json.Unmarshal(q.Context, &c); err != nil {
			return "", fmt.Errorf("cctp: decode context: %w", err)
		}
	}

	if err := chain.EnsureAllowance(ctx, p.client, tx, src.ChainID, src.USDC, src.TokenMessenger, q.AmountIn); err != nil {
		return "", fmt.Errorf("cctp: %w", err)
	}
	var recipient [32]byte
	copy(recipient[:], common.LeftPadBytes(wallet.Bytes(), 32))
	data, err := tokenMessengerABI.Pack("depositForBurn", q.AmountIn, dst.Domain, recipient, src.USDC)
	if err != nil {
		return "", fmt.Errorf("cctp: pack depositForBurn: %w", err)
	}
	hash, err := tx.Send(ctx, domain.TxRequest{ChainID: src.ChainID, To: src.TokenMessenger, Data: data})
	if err != nil {
		return "", fmt.Errorf("cctp: send depositForBurn: %w", err)
	}
	receipt, err := tx.WaitMined(ctx, src.ChainID, hash)
	if err != nil {
		return hash.Hex(), fmt.Errorf("cctp: depositForBurn: %w", err)
	}
	message, err := MessageBytes(receipt.Logs)
	if err != nil {
		return hash.Hex(), err
	}
	messageHash := crypto.Keccak256Hash(message)
	p.logger.Info("usdc burned",
		slog.String("id", q.ID),
		slog.String("tx", hash.Hex()),
		slog.String("message_hash", messageHash.Hex()),
		slog.Bool("destination_swap", c.DestinationSwap != nil),
	)

	payload, err := json.Marshal(attestationPayload{Message: message, TxHash: hash.Hex(), DestinationSwap: c.DestinationSwap})
	if err != nil {
		return hash.Hex(), fmt.Errorf("cctp: encode payload: %w", err)
	}
	_, err = settlement.Enqueue(ctx, p.jobs, domain.JobCheckCCTPAttestation, settlement.Delivery{
		RebalanceID:        q.RebalanceID,
		GroupID:            q.GroupID,
		Wallet:             wallet,
		SourceChainID:      src.ChainID,
		DestinationChainID: dst.ChainID,
		Ref:                messageHash.Hex(),
		Payload:            payload,
	}, 0)
	if err != nil {
		return hash.Hex(), fmt.Errorf("cctp: enqueue attestation check: %w", err)
	}
	return hash.Hex(), nil
}

// MessageBytes returns the message of the first MessageSent event in logs.
func MessageBytes(logs []*types.Log) ([]byte, error) {
	ev := messageTransmitterABI.Events["MessageSent"]
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.Unpack(lg.Data)
		if err != nil || len(vals) == 0 {
			return nil, fmt.Errorf("cctp: decode MessageSent: %w", err)
		}
		msg, ok := vals[0].([]byte)
		if !ok || len(msg) == 0 {
			return nil, errors.New("cctp: empty MessageSent message")
		}
		return msg, nil
	}
	return nil, errors.New("cctp: no MessageSent event in receipt")
}

// ReceiveMessage mints on the destination by relaying message and its
// attestation to the MessageTransmitter, and waits for it to be mined.
func (p *Provider) ReceiveMessage(ctx context.Context, wallet common.Address, chainID int64, message, attestation []byte) (common.Hash, error) {
	ch, ok := p.cfg.chain(chainID)
	if !ok {
		return common.Hash{}, fmt.Errorf("cctp: chain %d: %w", chainID, domain.ErrNotFound)
	}
	tx, err := p.signers.For(wallet)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := messageTransmitterABI.Pack("receiveMessage", message, attestation)
	if err != nil {
		return common.Hash{}, fmt.Errorf("cctp: pack receiveMessage: %w", err)
	}
	hash, err := tx.Send(ctx, domain.TxRequest{ChainID: chainID, To: ch.MessageTransmitter, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("cctp: send receiveMessage: %w", err)
	}
	if _, err := tx.WaitMined(ctx, chainID, hash); err != nil {
		return hash, fmt.Errorf("cctp: receiveMessage: %w", err)
	}
	return hash, nil
}

// Attester is the part of IrisClient the status source uses.
type Attester interface {
	Fetch(ctx context.Context, messageHash string) (Attestation, error)
}

// AttestationSource reports a burn as delivered once Circle attests to it.
type AttestationSource struct {
	iris Attester
}

var _ settlement.Source = (*AttestationSource)(nil)

func NewAttestationSource(iris Attester) *AttestationSource {
	return &AttestationSource{iris: iris}
}

type attestationResult struct {
	Attestation hexutil.Bytes `json:"attestation"`
}

// Check never reports failure: an attestation is either there or pending.
func (s *AttestationSource) Check(ctx context.Context, d settlement.Delivery, _ uint64) (settlement.Result, error) {
	a, err := s.iris.Fetch(ctx, d.Ref)
	if err != nil {
		return settlement.Result{}, err
	}
	if !a.Complete() {
		return settlement.Result{Status: settlement.StatusPending}, nil
	}
	att, err := hexutil.Decode(a.Attestation)
	if err != nil {
		return settlement.Result{}, fmt.Errorf("cctp: attestation %q: %w", a.Attestation, err)
	}
	raw, _ := json.Marshal(attestationResult{Attestation: att})
	return settlement.Result{Status: settlement.StatusSuccess, Payload: raw}, nil
}

// MintChain turns a completed attestation check into its cctp_mint job.
// Install it with settlement.Manager.SetChain.
func MintChain(d settlement.Delivery, r settlement.Result) (*domain.JobSpec, error) {
	var ap attestationPayload
	if err := json.Unmarshal(d.Payload, &ap); err != nil {
		return nil, fmt.Errorf("cctp: decode delivery payload: %w", err)
	}
	var ar attestationResult
	if err := json.Unmarshal(r.Payload, &ar); err != nil {
		return nil, fmt.Errorf("cctp: decode attestation: %w", err)
	}
	data, err := json.Marshal(MintJob{
		RebalanceID:        d.RebalanceID,
		GroupID:            d.GroupID,
		Wallet:             d.Wallet,
		DestinationChainID: d.DestinationChainID,
		MessageHash:        d.Ref,
		Message:            ap.Message,
		Attestation:        ar.Attestation,
		DestinationSwap:    ap.DestinationSwap,
	})
	if err != nil {
		return nil, fmt.Errorf("cctp: encode mint job: %w", err)
	}
	return &domain.JobSpec{
		Name:     domain.JobCCTPMint,
		Data:     data,
		JobID:    domain.JobCCTPMint + ":" + d.Ref,
		GroupKey: d.Wallet.Hex(),
	}, nil
}
