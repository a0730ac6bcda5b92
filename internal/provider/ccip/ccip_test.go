package ccip

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rebalancer/internal/chain"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/settlement"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var (
	wallet    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	routerOP  = common.HexToAddress("0x3206695CaE29952f4b0c22a169725a865bc8Ce0f")
	routerARB = common.HexToAddress("0x141fa059441E0ca23ce184B6A78bafD2A517DdE8")
	rampA     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	rampB     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	usdcOP    = common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85")
	usdcARB   = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	wethARB   = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")
)

const (
	selectorOP  uint64 = 3734403246176062136
	selectorARB uint64 = 4949039107694359620
)

func testConfig() Config {
	return Config{
		Wallet: wallet,
		Chains: []Chain{
			{ChainID: 10, Selector: selectorOP, Router: routerOP, Tokens: []Token{
				{Symbol: "USDC", Address: usdcOP},
			}},
			{ChainID: 42161, Selector: selectorARB, Router: routerARB, Tokens: []Token{
				{Symbol: "USDC", Address: usdcARB, DeniedDestinations: []int64{10}},
				{Symbol: "WETH", Address: wethARB},
			}},
		},
	}
}

type fakeChain struct {
	fee   *big.Int
	ramps []offRamp
	logs  map[common.Hash][]types.Log
	block uint64
}

func (f *fakeChain) BlockNumber(context.Context, int64) (uint64, error) { return f.block, nil }

func (f *fakeChain) CallContract(_ context.Context, _ int64, msg ethereum.CallMsg) ([]byte, error) {
	sel := msg.Data[:4]
	switch {
	case bytes.Equal(sel, routerABI.Methods["getFee"].ID):
		return routerABI.Methods["getFee"].Outputs.Pack(f.fee)
	case bytes.Equal(sel, routerABI.Methods["getOffRamps"].ID):
		return routerABI.Methods["getOffRamps"].Outputs.Pack(f.ramps)
	case bytes.Equal(sel, chain.ERC20ABI.Methods["allowance"].ID):
		max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
		return chain.ERC20ABI.Methods["allowance"].Outputs.Pack(max)
	}
	return nil, assert.AnError
}

func (f *fakeChain) FilterLogs(_ context.Context, _ int64, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs[q.Topics[0][0]], nil
}

func (f *fakeChain) TransactionReceipt(context.Context, int64, common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func pos(chainID int64, addr common.Address, dec uint8) domain.TokenPosition {
	return domain.TokenPosition{ChainID: chainID, Address: addr, Decimals: dec}
}

func TestQuoteRejectsUnsupportedRoutes(t *testing.T) {
	p := New(testConfig(), &fakeChain{fee: big.NewInt(1)}, nil, nil, discard)
	ctx := context.Background()
	amount := big.NewInt(1_000_000)

	cases := map[string][2]domain.TokenPosition{
		"same chain":        {pos(10, usdcOP, 6), pos(10, usdcOP, 6)},
		"unknown chain":     {pos(10, usdcOP, 6), pos(8453, usdcARB, 6)},
		"unknown token":     {pos(10, wethARB, 18), pos(42161, usdcARB, 6)},
		"symbol mismatch":   {pos(10, usdcOP, 6), pos(42161, wethARB, 18)},
		"denied destination": {pos(42161, usdcARB, 6), pos(10, usdcOP, 6)},
	}
	for name, c := range cases {
		_, err := p.Quote(ctx, c[0], c[1], amount, "")
		assert.ErrorIs(t, err, domain.ErrRouteUnavailable, name)
	}
}

func TestQuoteIsOneToOne(t *testing.T) {
	p := New(testConfig(), &fakeChain{fee: big.NewInt(12345)}, nil, nil, discard)

	quotes, err := p.Quote(context.Background(), pos(10, usdcOP, 6), pos(42161, usdcARB, 6), big.NewInt(5_000_000), "q")
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, big.NewInt(5_000_000), quotes[0].AmountOut)
	assert.Zero(t, quotes[0].Slippage)

	var c Context
	require.NoError(t, json.Unmarshal(quotes[0].Context, &c))
	assert.Equal(t, "12345", c.EstimatedFee)
	assert.Equal(t, selectorARB, c.DestinationSelector)
	assert.Equal(t, routerARB, c.DestinationRouter)
}

func stateLogV1(t *testing.T, block uint64, index uint, state uint8) types.Log {
	t.Helper()
	data, err := execStateV1.Inputs.NonIndexed().Pack([32]byte{}, state, []byte{}, big.NewInt(21000))
	require.NoError(t, err)
	return types.Log{BlockNumber: block, Index: index, Data: data}
}

func stateLogV2(t *testing.T, block uint64, index uint, state uint8) types.Log {
	t.Helper()
	data, err := execStateV2.Inputs.NonIndexed().Pack(state, []byte{})
	require.NoError(t, err)
	return types.Log{BlockNumber: block, Index: index, Data: data}
}

func delivery(t *testing.T, messageID common.Hash) settlement.Delivery {
	t.Helper()
	payload, err := json.Marshal(statusPayload{SourceSelector: selectorOP, DestinationRouter: routerARB})
	require.NoError(t, err)
	return settlement.Delivery{DestinationChainID: 42161, Ref: messageID.Hex(), Payload: payload}
}

func TestStatusLatestLogWins(t *testing.T) {
	ctx := context.Background()
	msgID := common.HexToHash("0x01")
	ramps := []offRamp{{SourceChainSelector: selectorOP, OffRamp: rampA}, {SourceChainSelector: 999, OffRamp: rampB}}

	tests := []struct {
		name string
		logs map[common.Hash][]types.Log
		want settlement.Status
	}{
		{"no logs", nil, settlement.StatusPending},
		{"in progress", map[common.Hash][]types.Log{
			execStateV2.ID: {stateLogV2(t, 10, 0, stateInProgress)},
		}, settlement.StatusPending},
		{"v1 success after v2 in progress", map[common.Hash][]types.Log{
			execStateV2.ID: {stateLogV2(t, 10, 0, stateInProgress)},
			execStateV1.ID: {stateLogV1(t, 12, 3, stateSuccess)},
		}, settlement.StatusSuccess},
		{"failure later in same block", map[common.Hash][]types.Log{
			execStateV2.ID: {stateLogV2(t, 20, 1, stateSuccess), stateLogV2(t, 20, 5, stateFailure)},
		}, settlement.StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewStatusSource(&fakeChain{ramps: ramps, logs: tt.logs})
			res, err := src.Check(ctx, delivery(t, msgID), 5)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestStatusWithoutMatchingOffRampErrors(t *testing.T) {
	src := NewStatusSource(&fakeChain{ramps: []offRamp{{SourceChainSelector: 1, OffRamp: rampA}}})
	_, err := src.Check(context.Background(), delivery(t, common.HexToHash("0x01")), 0)
	assert.Error(t, err)
}

type rampHeader struct {
	MessageId           [32]byte
	SourceChainSelector uint64
	DestChainSelector   uint64
	SequenceNumber      uint64
	Nonce               uint64
}

type rampToken struct {
	SourcePoolAddress common.Address
	DestTokenAddress  []byte
	ExtraData         []byte
	Amount            *big.Int
	DestExecData      []byte
}

type rampMessage struct {
	Header         rampHeader
	Sender         common.Address
	Data           []byte
	Receiver       []byte
	ExtraArgs      []byte
	FeeToken       common.Address
	FeeTokenAmount *big.Int
	FeeValueJuels  *big.Int
	TokenAmounts   []rampToken
}

func messageSentLog(t *testing.T, id common.Hash) *types.Log {
	t.Helper()
	ev := onRampV16ABI.Events["CCIPMessageSent"]
	data, err := ev.Inputs.NonIndexed().Pack(rampMessage{
		Header:         rampHeader{MessageId: id, SourceChainSelector: selectorOP, DestChainSelector: selectorARB},
		Sender:         wallet,
		Data:           []byte{},
		Receiver:       common.LeftPadBytes(wallet.Bytes(), 32),
		ExtraArgs:      []byte{},
		FeeTokenAmount: big.NewInt(0),
		FeeValueJuels:  big.NewInt(0),
		TokenAmounts:   []rampToken{},
	})
	require.NoError(t, err)
	return &types.Log{Topics: []common.Hash{ev.ID, {}, {}}, Data: data}
}

type fakeTx struct {
	sent    []domain.TxRequest
	receipt *types.Receipt
}

func (f *fakeTx) Address() common.Address { return wallet }
func (f *fakeTx) Send(_ context.Context, req domain.TxRequest) (common.Hash, error) {
	f.sent = append(f.sent, req)
	return common.HexToHash("0xfeed"), nil
}
func (f *fakeTx) WaitMined(context.Context, int64, common.Hash) (*types.Receipt, error) {
	return f.receipt, nil
}

func TestMessageIDFromOnRampV16(t *testing.T) {
	id := common.HexToHash("0xabcdef")
	got, err := MessageID([]*types.Log{{Topics: []common.Hash{{0x01}}}, messageSentLog(t, id)})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = MessageID(nil)
	assert.Error(t, err)
}

func TestExecuteSendsAndSchedulesDeliveryCheck(t *testing.T) {
	ctx := context.Background()
	msgID := common.HexToHash("0x5151")
	fc := &fakeChain{fee: big.NewInt(7_000), block: 1_000}
	tx := &fakeTx{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{messageSentLog(t, msgID)}}}
	jobs := queue.NewMemory(domain.JobOptions{})
	p := New(testConfig(), fc, chain.Transactors{wallet: tx}, jobs, discard)

	quotes, err := p.Quote(ctx, pos(10, usdcOP, 6), pos(42161, usdcARB, 6), big.NewInt(5_000_000), "q")
	require.NoError(t, err)
	q := quotes[0]
	q.RebalanceID, q.GroupID = "rb-1", "grp-1"

	hash, err := p.Execute(ctx, wallet, q)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), hash)

	require.Len(t, tx.sent, 1)
	assert.Equal(t, routerOP, tx.sent[0].To)
	assert.Equal(t, big.NewInt(7_000), tx.sent[0].Value, "native fee is paid as value")
	assert.Equal(t, routerABI.Methods["ccipSend"].ID, tx.sent[0].Data[:4])

	job, err := jobs.Get(ctx, domain.JobCheckCCIPDelivery+":"+msgID.Hex())
	require.NoError(t, err)
	var d settlement.Delivery
	require.NoError(t, json.Unmarshal(job.Data, &d))
	require.NotNil(t, d.FromBlockNumber)
	assert.Equal(t, uint64(900), *d.FromBlockNumber)
	assert.Equal(t, "grp-1", d.GroupID)

	q.GroupID = ""
	_, err = p.Execute(ctx, wallet, q)
	assert.Error(t, err, "executing without group id")
}
