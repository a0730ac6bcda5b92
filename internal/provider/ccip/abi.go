package ccip

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/chain"
)

const messageComponents = `[
	{"name":"receiver","type":"bytes"},
	{"name":"data","type":"bytes"},
	{"name":"tokenAmounts","type":"tuple[]","components":[
		{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
	{"name":"feeToken","type":"address"},
	{"name":"extraArgs","type":"bytes"}
]`

var routerABI = chain.MustABI(`[
	{"name":"getFee","type":"function","stateMutability":"view",
	 "inputs":[{"name":"destinationChainSelector","type":"uint64"},
	           {"name":"message","type":"tuple","components":` + messageComponents + `}],
	 "outputs":[{"name":"fee","type":"uint256"}]},
	{"name":"ccipSend","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"destinationChainSelector","type":"uint64"},
	           {"name":"message","type":"tuple","components":` + messageComponents + `}],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"name":"getOffRamps","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"tuple[]","components":[
		{"name":"sourceChainSelector","type":"uint64"},{"name":"offRamp","type":"address"}]}]}
]`)

// onRamp v1.5 emits the whole EVM2EVMMessage with messageId as its last field.
var onRampV15ABI = chain.MustABI(`[
	{"name":"CCIPSendRequested","type":"event","anonymous":false,"inputs":[
		{"name":"message","type":"tuple","indexed":false,"components":[
			{"name":"sourceChainSelector","type":"uint64"},
			{"name":"sender","type":"address"},
			{"name":"receiver","type":"address"},
			{"name":"sequenceNumber","type":"uint64"},
			{"name":"gasLimit","type":"uint256"},
			{"name":"strict","type":"bool"},
			{"name":"nonce","type":"uint64"},
			{"name":"feeToken","type":"address"},
			{"name":"feeTokenAmount","type":"uint256"},
			{"name":"data","type":"bytes"},
			{"name":"tokenAmounts","type":"tuple[]","components":[
				{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
			{"name":"sourceTokenData","type":"bytes[]"},
			{"name":"messageId","type":"bytes32"}]}]}
]`)

// onRamp v1.6 moved messageId into the message header.
var onRampV16ABI = chain.MustABI(`[
	{"name":"CCIPMessageSent","type":"event","anonymous":false,"inputs":[
		{"name":"destChainSelector","type":"uint64","indexed":true},
		{"name":"sequenceNumber","type":"uint64","indexed":true},
		{"name":"message","type":"tuple","indexed":false,"components":[
			{"name":"header","type":"tuple","components":[
				{"name":"messageId","type":"bytes32"},
				{"name":"sourceChainSelector","type":"uint64"},
				{"name":"destChainSelector","type":"uint64"},
				{"name":"sequenceNumber","type":"uint64"},
				{"name":"nonce","type":"uint64"}]},
			{"name":"sender","type":"address"},
			{"name":"data","type":"bytes"},
			{"name":"receiver","type":"bytes"},
			{"name":"extraArgs","type":"bytes"},
			{"name":"feeToken","type":"address"},
			{"name":"feeTokenAmount","type":"uint256"},
			{"name":"feeValueJuels","type":"uint256"},
			{"name":"tokenAmounts","type":"tuple[]","components":[
				{"name":"sourcePoolAddress","type":"address"},
				{"name":"destTokenAddress","type":"bytes"},
				{"name":"extraData","type":"bytes"},
				{"name":"amount","type":"uint256"},
				{"name":"destExecData","type":"bytes"}]}]}]}
]`)

// Two generations of offRamp emit ExecutionStateChanged with different
// indexed layouts, so each lives in its own ABI.
var (
	execStateV1ABI = chain.MustABI(`[
	{"name":"ExecutionStateChanged","type":"event","anonymous":false,"inputs":[
		{"name":"sourceChainSelector","type":"uint64","indexed":true},
		{"name":"sequenceNumber","type":"uint64","indexed":true},
		{"name":"messageId","type":"bytes32","indexed":true},
		{"name":"messageHash","type":"bytes32","indexed":false},
		{"name":"state","type":"uint8","indexed":false},
		{"name":"returnData","type":"bytes","indexed":false},
		{"name":"gasUsed","type":"uint256","indexed":false}]}
]`)
	execStateV2ABI = chain.MustABI(`[
	{"name":"ExecutionStateChanged","type":"event","anonymous":false,"inputs":[
		{"name":"sequenceNumber","type":"uint64","indexed":true},
		{"name":"messageId","type":"bytes32","indexed":true},
		{"name":"state","type":"uint8","indexed":false},
		{"name":"returnData","type":"bytes","indexed":false}]}
]`)
)

// Event ids and topic positions of messageId in each ExecutionStateChanged
// generation.
var (
	execStateV1 = execStateV1ABI.Events["ExecutionStateChanged"]
	execStateV2 = execStateV2ABI.Events["ExecutionStateChanged"]
)

// extraArgsV2Tag prefixes EVMExtraArgsV2 {gasLimit, allowOutOfOrderExecution}.
var extraArgsV2Tag = []byte{0x18, 0x1d, 0xcf, 0x10}

// Message execution states reported by the offRamp.
const (
	stateUntouched  uint8 = 0
	stateInProgress uint8 = 1
	stateSuccess    uint8 = 2
	stateFailure    uint8 = 3
)

type tokenAmount struct {
	Token  common.Address
	Amount *big.Int
}

// evm2AnyMessage mirrors Client.EVM2AnyMessage for ABI packing.
type evm2AnyMessage struct {
	Receiver     []byte
	Data         []byte
	TokenAmounts []tokenAmount
	FeeToken     common.Address
	ExtraArgs    []byte
}

type offRamp struct {
	SourceChainSelector uint64
	OffRamp             common.Address
}

func buildMessage(receiver, token common.Address, amount *big.Int, feeToken common.Address) (evm2AnyMessage, error) {
	uint256, _ := abi.NewType("uint256", "", nil)
	boolean, _ := abi.NewType("bool", "", nil)
	args, err := abi.Arguments{{Type: uint256}, {Type: boolean}}.Pack(new(big.Int), true)
	if err != nil {
		return evm2AnyMessage{}, err
	}
	msg := evm2AnyMessage{
		Receiver:  common.LeftPadBytes(receiver.Bytes(), 32),
		Data:      common.Hash{}.Bytes(),
		FeeToken:  feeToken,
		ExtraArgs: append(append([]byte{}, extraArgsV2Tag...), args...),
	}
	if amount != nil && amount.Sign() > 0 && token != (common.Address{}) {
		msg.TokenAmounts = []tokenAmount{{Token: token, Amount: amount}}
	} else {
		msg.TokenAmounts = []tokenAmount{}
	}
	return msg, nil
}
