package lifi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/rebalancer/internal/chain"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/provider"
	"github.com/alanyoungcy/rebalancer/internal/settlement"
)

// API is the part of Client the provider uses.
type API interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	Status(ctx context.Context, txHash string, fromChain, toChain int64, bridge string) (Status, error)
}

// Config configures the provider.
type Config struct {
	// Wallet is the address quotes are requested for.
	Wallet common.Address
	// SwapSlippage is passed on same-chain swaps only.
	SwapSlippage float64
}

// Context is stored in Quote.Context and read back on Execute.
type Context struct {
	Tool               string             `json:"tool"`
	ToAmountMin        string             `json:"toAmountMin"`
	ApprovalAddress    string             `json:"approvalAddress"`
	TransactionRequest TransactionRequest `json:"transactionRequest"`
}

// Provider quotes and executes LiFi routes.
type Provider struct {
	cfg     Config
	api     API
	client  domain.ChainClient
	signers provider.Signers
	jobs    domain.JobQueue
	logger  *slog.Logger
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Settler  = (*Provider)(nil)
)

// New creates a LiFi Provider.
func New(cfg Config, api API, client domain.ChainClient, signers provider.Signers, jobs domain.JobQueue, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:     cfg,
		api:     api,
		client:  client,
		signers: signers,
		jobs:    jobs,
		logger:  logger.With(slog.String("component", "lifi")),
	}
}

func (p *Provider) Strategy() domain.Strategy { return domain.StrategyLiFi }

// SettlesAsync is true for bridges: the funds land after Execute returns.
func (p *Provider) SettlesAsync(q domain.Quote) bool {
	return q.TokenIn.ChainID != q.TokenOut.ChainID
}

// Quote asks LiFi for one route from tokenIn to tokenOut.
func (p *Provider) Quote(ctx context.Context, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int, id string) ([]domain.Quote, error) {
	if tokenIn.Same(tokenOut) {
		return nil, fmt.Errorf("lifi: same token: %w", domain.ErrRouteUnavailable)
	}
	req := QuoteRequest{
		FromChain:   tokenIn.ChainID,
		ToChain:     tokenOut.ChainID,
		FromToken:   tokenIn.Address.Hex(),
		ToToken:     tokenOut.Address.Hex(),
		FromAmount:  amountIn.String(),
		FromAddress: p.cfg.Wallet.Hex(),
		ToAddress:   p.cfg.Wallet.Hex(),
	}
	if tokenIn.ChainID == tokenOut.ChainID {
		req.Slippage = p.cfg.SwapSlippage
	}

	p.logger.Debug("quote request",
		slog.String("id", id),
		slog.String("from", tokenIn.String()),
		slog.String("to", tokenOut.String()),
		slog.String("amount", amountIn.String()),
	)
	res, err := p.api.Quote(ctx, req)
	if err != nil {
		return nil, err
	}

	fromAmount, ok1 := new(big.Int).SetString(res.Estimate.FromAmount, 10)
	toAmount, ok2 := new(big.Int).SetString(res.Estimate.ToAmount, 10)
	toAmountMin, ok3 := new(big.Int).SetString(res.Estimate.ToAmountMin, 10)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("lifi: malformed estimate %+v: %w", res.Estimate, domain.ErrExternalAPI)
	}

	raw, err := json.Marshal(Context{
		Tool:               res.Tool,
		ToAmountMin:        res.Estimate.ToAmountMin,
		ApprovalAddress:    res.Estimate.ApprovalAddress,
		TransactionRequest: res.TransactionRequest,
	})
	if err != nil {
		return nil, fmt.Errorf("lifi: encode context: %w", err)
	}

	q := domain.Quote{
		ID:           id,
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     fromAmount,
		AmountOut:    toAmount,
		MinAmountOut: toAmountMin,
		Slippage:     provider.Slippage(tokenIn, fromAmount, tokenOut, toAmountMin),
		Strategy:     domain.StrategyLiFi,
		Context:      raw,
	}
	if err := provider.CheckSlippage(q); err != nil {
		return nil, fmt.Errorf("lifi: %w", err)
	}
	return []domain.Quote{q}, nil
}

// Execute approves the LiFi contract, sends the route transaction and, for
// bridges, schedules a status check.
func (p *Provider) Execute(ctx context.Context, wallet common.Address, q domain.Quote) (string, error) {
	if wallet != p.cfg.Wallet {
		return "", fmt.Errorf("lifi: wallet %s: %w", wallet.Hex(), domain.ErrUnsupportedWallet)
	}
	tx, err := p.signers.For(wallet)
	if err != nil {
		return "", err
	}
	var c Context
	if err := json.Unmarshal(q.Context, &c); err != nil {
		return "", fmt.Errorf("lifi: decode context: %w", err)
	}

	txReq, err := c.TransactionRequest.toTx(q.TokenIn.ChainID)
	if err != nil {
		return "", err
	}
	if c.ApprovalAddress != "" {
		spender := common.HexToAddress(c.ApprovalAddress)
		if err := chain.EnsureAllowance(ctx, p.client, tx, q.TokenIn.ChainID, q.TokenIn.Address, spender, q.AmountIn); err != nil {
			return "", fmt.Errorf("lifi: %w", err)
		}
	}

	hash, err := tx.Send(ctx, txReq)
	if err != nil {
		return "", fmt.Errorf("lifi: send route: %w", err)
	}
	if _, err := tx.WaitMined(ctx, q.TokenIn.ChainID, hash); err != nil {
		return hash.Hex(), fmt.Errorf("lifi: route tx: %w", err)
	}
	p.logger.Info("route executed",
		slog.String("id", q.ID),
		slog.String("tool", c.Tool),
		slog.String("tx", hash.Hex()),
	)

	if !p.SettlesAsync(q) {
		return hash.Hex(), nil
	}
	payload, _ := json.Marshal(statusPayload{Tool: c.Tool})
	_, err = settlement.Enqueue(ctx, p.jobs, domain.JobCheckLiFiStatus, settlement.Delivery{
		RebalanceID:        q.RebalanceID,
		GroupID:            q.GroupID,
		Wallet:             wallet,
		SourceChainID:      q.TokenIn.ChainID,
		DestinationChainID: q.TokenOut.ChainID,
		Ref:                hash.Hex(),
		Payload:            payload,
	}, 0)
	if err != nil {
		return hash.Hex(), fmt.Errorf("lifi: enqueue status check: %w", err)
	}
	return hash.Hex(), nil
}

func (t TransactionRequest) toTx(chainID int64) (domain.TxRequest, error) {
	if t.To == "" || t.Data == "" {
		return domain.TxRequest{}, errors.New("lifi: quote has no transaction request")
	}
	if t.ChainID != 0 && t.ChainID != chainID {
		return domain.TxRequest{}, fmt.Errorf("lifi: transaction for chain %d, expected %d", t.ChainID, chainID)
	}
	data, err := hexutil.Decode(t.Data)
	if err != nil {
		return domain.TxRequest{}, fmt.Errorf("lifi: decode calldata: %w", err)
	}
	req := domain.TxRequest{ChainID: chainID, To: common.HexToAddress(t.To), Data: data, Value: new(big.Int)}
	if v := strings.TrimSpace(t.Value); v != "" && v != "0x0" && v != "0" {
		val, err := hexutil.DecodeBig(v)
		if err != nil {
			return domain.TxRequest{}, fmt.Errorf("lifi: decode value %q: %w", v, err)
		}
		req.Value = val
	}
	if g := strings.TrimSpace(t.GasLimit); g != "" {
		gas, err := hexutil.DecodeUint64(g)
		if err == nil {
			req.GasLimit = gas
		}
	}
	return req, nil
}

type statusPayload struct {
	Tool string `json:"tool"`
}

// StatusSource reports LiFi bridge progress for delivery checks.
type StatusSource struct {
	api API
}

var _ settlement.Source = (*StatusSource)(nil)

func NewStatusSource(api API) *StatusSource { return &StatusSource{api: api} }

// Check maps LiFi's DONE to success and FAILED, INVALID or a refunded
// transfer to failure.
func (s *StatusSource) Check(ctx context.Context, d settlement.Delivery, _ uint64) (settlement.Result, error) {
	var sp statusPayload
	if len(d.Payload) > 0 {
		_ = json.Unmarshal(d.Payload, &sp)
	}
	st, err := s.api.Status(ctx, d.Ref, d.SourceChainID, d.DestinationChainID, sp.Tool)
	if err != nil {
		return settlement.Result{}, err
	}
	switch strings.ToUpper(st.Status) {
	case "DONE":
		if strings.EqualFold(st.Substatus, "REFUNDED") {
			return settlement.Result{Status: settlement.StatusFailure}, nil
		}
		return settlement.Result{Status: settlement.StatusSuccess}, nil
	case "FAILED", "INVALID":
		return settlement.Result{Status: settlement.StatusFailure}, nil
	default:
		return settlement.Result{Status: settlement.StatusPending}, nil
	}
}
