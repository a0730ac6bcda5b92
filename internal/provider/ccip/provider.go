// Package ccip bridges same-symbol tokens over Chainlink CCIP and confirms
// delivery from destination offRamp events.
package ccip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/rebalancer/internal/chain"
	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/provider"
	"github.com/alanyoungcy/rebalancer/internal/settlement"
)

// Token is a CCIP-enabled token on one chain.
type Token struct {
	Symbol  string
	Address common.Address
	// DeniedDestinations lists chain ids this token must not be sent to.
	DeniedDestinations []int64
}

// Chain is one CCIP lane endpoint.
type Chain struct {
	ChainID  int64
	Selector uint64
	Router   common.Address
	// FeeToken pays the CCIP fee. The zero address pays in native gas.
	FeeToken common.Address
	Tokens   []Token
}

// Config configures the provider.
type Config struct {
	Wallet common.Address
	Chains []Chain
	// Lookback is how many destination blocks before send to scan for
	// ExecutionStateChanged.
	Lookback uint64
}

func (c Config) chain(id int64) (Chain, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == id {
			return ch, true
		}
	}
	return Chain{}, false
}

func (ch Chain) token(addr common.Address) (Token, bool) {
	for _, t := range ch.Tokens {
		if t.Address == addr {
			return t, true
		}
	}
	return Token{}, false
}

// Context is stored in Quote.Context.
type Context struct {
	Router              common.Address `json:"router"`
	SourceSelector      uint64         `json:"sourceChainSelector"`
	DestinationSelector uint64         `json:"destinationChainSelector"`
	DestinationRouter   common.Address `json:"destinationRouter"`
	Symbol              string         `json:"tokenSymbol"`
	FeeToken            common.Address `json:"feeToken"`
	EstimatedFee        string         `json:"estimatedFee"`
}

// statusPayload travels in the delivery job for the status source.
type statusPayload struct {
	SourceSelector    uint64         `json:"sourceChainSelector"`
	DestinationRouter common.Address `json:"destinationRouter"`
	TxHash            string         `json:"txHash"`
}

// Provider bridges tokens 1:1 over CCIP.
type Provider struct {
	cfg     Config
	client  domain.ChainClient
	signers provider.Signers
	jobs    domain.JobQueue
	logger  *slog.Logger
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Settler  = (*Provider)(nil)
)

// New creates a CCIP Provider.
func New(cfg Config, client domain.ChainClient, signers provider.Signers, jobs domain.JobQueue, logger *slog.Logger) *Provider {
	if cfg.Lookback == 0 {
		cfg.Lookback = 100
	}
	return &Provider{
		cfg:     cfg,
		client:  client,
		signers: signers,
		jobs:    jobs,
		logger:  logger.With(slog.String("component", "ccip")),
	}
}

func (p *Provider) Strategy() domain.Strategy { return domain.StrategyCCIP }

// SettlesAsync is always true: delivery is confirmed by check_ccip_delivery.
func (p *Provider) SettlesAsync(domain.Quote) bool { return true }

type lane struct {
	src, dst Chain
	token    Token
}

func (p *Provider) resolve(tokenIn, tokenOut domain.TokenPosition) (lane, error) {
	if tokenIn.ChainID == tokenOut.ChainID {
		return lane{}, fmt.Errorf("ccip: same-chain route: %w", domain.ErrRouteUnavailable)
	}
	src, ok := p.cfg.chain(tokenIn.ChainID)
	if !ok {
		return lane{}, fmt.Errorf("ccip: chain %d not configured: %w", tokenIn.ChainID, domain.ErrRouteUnavailable)
	}
	dst, ok := p.cfg.chain(tokenOut.ChainID)
	if !ok {
		return lane{}, fmt.Errorf("ccip: chain %d not configured: %w", tokenOut.ChainID, domain.ErrRouteUnavailable)
	}
	in, ok := src.token(tokenIn.Address)
	if !ok {
		return lane{}, fmt.Errorf("ccip: token %s not supported: %w", tokenIn, domain.ErrRouteUnavailable)
	}
	out, ok := dst.token(tokenOut.Address)
	if !ok {
		return lane{}, fmt.Errorf("ccip: token %s not supported: %w", tokenOut, domain.ErrRouteUnavailable)
	}
	if in.Symbol != out.Symbol {
		return lane{}, fmt.Errorf("ccip: %s -> %s is not a same-token route: %w", in.Symbol, out.Symbol, domain.ErrRouteUnavailable)
	}
	for _, denied := range in.DeniedDestinations {
		if denied == tokenOut.ChainID {
			return lane{}, fmt.Errorf("ccip: %s may not be sent to %d: %w", in.Symbol, denied, domain.ErrRouteUnavailable)
		}
	}
	return lane{src: src, dst: dst, token: in}, nil
}

// Quote prices a 1:1 transfer and reads the current router fee.
func (p *Provider) Quote(ctx context.Context, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int, id string) ([]domain.Quote, error) {
	l, err := p.resolve(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	fee, err := p.fee(ctx, l, amountIn)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(Context{
		Router:              l.src.Router,
		SourceSelector:      l.src.Selector,
		DestinationSelector: l.dst.Selector,
		DestinationRouter:   l.dst.Router,
		Symbol:              l.token.Symbol,
		FeeToken:            l.src.FeeToken,
		EstimatedFee:        fee.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("ccip: encode context: %w", err)
	}

	p.logger.Debug("quote prepared",
		slog.String("id", id),
		slog.String("token", l.token.Symbol),
		slog.Int64("source_chain", tokenIn.ChainID),
		slog.Int64("destination_chain", tokenOut.ChainID),
		slog.String("amount", amountIn.String()),
		slog.String("fee", fee.String()),
	)
	return []domain.Quote{{
		ID:        id,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: decimals.Convert(amountIn, tokenIn.Decimals, tokenOut.Decimals),
		Strategy:  domain.StrategyCCIP,
		Context:   raw,
	}}, nil
}

func (p *Provider) fee(ctx context.Context, l lane, amount *big.Int) (*big.Int, error) {
	msg, err := buildMessage(p.cfg.Wallet, l.token.Address, amount, l.src.FeeToken)
	if err != nil {
		return nil, fmt.Errorf("ccip: build message: %w", err)
	}
	data, err := routerABI.Pack("getFee", l.dst.Selector, msg)
	if err != nil {
		return nil, fmt.Errorf("ccip: pack getFee: %w", err)
	}
	router := l.src.Router
	out, err := p.client.CallContract(ctx, l.src.ChainID, ethereum.CallMsg{To: &router, Data: data})
	if err != nil {
		return nil, fmt.Errorf("ccip: getFee: %w", err)
	}
	vals, err := routerABI.Unpack("getFee", out)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("ccip: unpack getFee: %w", err)
	}
	fee, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ccip: getFee returned %T", vals[0])
	}
	return fee, nil
}

// Execute approves the router for the token and fee, sends ccipSend, reads
// the message id from the onRamp event and schedules check_ccip_delivery.
func (p *Provider) Execute(ctx context.Context, wallet common.Address, q domain.Quote) (string, error) {
	if wallet != p.cfg.Wallet {
		return "", fmt.Errorf("ccip: wallet %s: %w", wallet.Hex(), domain.ErrUnsupportedWallet)
	}
	if q.RebalanceID == "" || q.GroupID == "" {
		return "", fmt.Errorf("ccip: quote %s has no rebalance or group id", q.ID)
	}
	tx, err := p.signers.For(wallet)
	if err != nil {
		return "", err
	}
	l, err := p.resolve(q.TokenIn, q.TokenOut)
	if err != nil {
		return "", err
	}

	current, err := p.client.BlockNumber(ctx, q.TokenOut.ChainID)
	if err != nil {
		return "", fmt.Errorf("ccip: destination block number: %w", err)
	}
	from, _ := settlement.ResolveFromBlock(settlement.Checkpoint{}, current, p.cfg.Lookback)

	if err := chain.EnsureAllowance(ctx, p.client, tx, l.src.ChainID, l.token.Address, l.src.Router, q.AmountIn); err != nil {
		return "", fmt.Errorf("ccip: %w", err)
	}
	fee, err := p.fee(ctx, l, q.AmountIn)
	if err != nil {
		return "", err
	}
	value := new(big.Int)
	if l.src.FeeToken == (common.Address{}) {
		value.Set(fee)
	} else if fee.Sign() > 0 {
		if err := chain.EnsureAllowance(ctx, p.client, tx, l.src.ChainID, l.src.FeeToken, l.src.Router, fee); err != nil {
			return "", fmt.Errorf("ccip: fee token: %w", err)
		}
	}

	msg, err := buildMessage(wallet, l.token.Address, q.AmountIn, l.src.FeeToken)
	if err != nil {
		return "", fmt.Errorf("ccip: build message: %w", err)
	}
	data, err := routerABI.Pack("ccipSend", l.dst.Selector, msg)
	if err != nil {
		return "", fmt.Errorf("ccip: pack ccipSend: %w", err)
	}
	hash, err := tx.Send(ctx, domain.TxRequest{ChainID: l.src.ChainID, To: l.src.Router, Data: data, Value: value})
	if err != nil {
		return "", fmt.Errorf("ccip: send: %w", err)
	}
	receipt, err := tx.WaitMined(ctx, l.src.ChainID, hash)
	if err != nil {
		return hash.Hex(), fmt.Errorf("ccip: router tx: %w", err)
	}
	messageID, err := MessageID(receipt.Logs)
	if err != nil {
		return hash.Hex(), err
	}
	p.logger.Info("ccipSend mined",
		slog.String("id", q.ID),
		slog.String("tx", hash.Hex()),
		slog.String("message_id", messageID.Hex()),
		slog.String("fee", fee.String()),
	)

	payload, _ := json.Marshal(statusPayload{
		SourceSelector:    l.src.Selector,
		DestinationRouter: l.dst.Router,
		TxHash:            hash.Hex(),
	})
	_, err = settlement.Enqueue(ctx, p.jobs, domain.JobCheckCCIPDelivery, settlement.Delivery{
		Checkpoint:         settlement.Checkpoint{FromBlockNumber: &from},
		RebalanceID:        q.RebalanceID,
		GroupID:            q.GroupID,
		Wallet:             wallet,
		SourceChainID:      l.src.ChainID,
		DestinationChainID: l.dst.ChainID,
		Ref:                messageID.Hex(),
		Payload:            payload,
	}, 0)
	if err != nil {
		return hash.Hex(), fmt.Errorf("ccip: enqueue delivery check: %w", err)
	}
	return hash.Hex(), nil
}

// MessageID extracts the CCIP message id from the onRamp event in a router
// transaction's logs. Both the v1.5 and v1.6 onRamp events are understood.
func MessageID(logs []*types.Log) (common.Hash, error) {
	v15 := onRampV15ABI.Events["CCIPSendRequested"]
	v16 := onRampV16ABI.Events["CCIPMessageSent"]
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case v16.ID:
			vals, err := v16.Inputs.NonIndexed().Unpack(lg.Data)
			if err != nil || len(vals) == 0 {
				return common.Hash{}, fmt.Errorf("ccip: decode CCIPMessageSent: %w", err)
			}
			return hashField(reflect.ValueOf(vals[0]).FieldByName("Header"), "MessageId")
		case v15.ID:
			vals, err := v15.Inputs.NonIndexed().Unpack(lg.Data)
			if err != nil || len(vals) == 0 {
				return common.Hash{}, fmt.Errorf("ccip: decode CCIPSendRequested: %w", err)
			}
			return hashField(reflect.ValueOf(vals[0]), "MessageId")
		}
	}
	return common.Hash{}, fmt.Errorf("ccip: no onRamp event in router transaction")
}

func hashField(v reflect.Value, name string) (common.Hash, error) {
	if v.Kind() != reflect.Struct {
		return common.Hash{}, fmt.Errorf("ccip: unexpected event layout %s", v.Kind())
	}
	f := v.FieldByName(name)
	if !f.IsValid() {
		return common.Hash{}, fmt.Errorf("ccip: event has no %s", name)
	}
	id, ok := f.Interface().([32]byte)
	if !ok || id == ([32]byte{}) {
		return common.Hash{}, fmt.Errorf("ccip: empty message id")
	}
	return common.Hash(id), nil
}
