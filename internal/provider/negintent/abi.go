package negintent

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/rebalancer/internal/chain"
	"github.com/alanyoungcy/rebalancer/internal/domain"
)

const (
	tokenAmountTuple = `[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]`
	callTuple        = `[{"name":"target","type":"address"},{"name":"data","type":"bytes"},{"name":"value","type":"uint256"}]`
	routeTuple       = `[
		{"name":"salt","type":"bytes32"},
		{"name":"source","type":"uint256"},
		{"name":"destination","type":"uint256"},
		{"name":"inbox","type":"address"},
		{"name":"tokens","type":"tuple[]","components":` + tokenAmountTuple + `},
		{"name":"calls","type":"tuple[]","components":` + callTuple + `}]`
	rewardTuple = `[
		{"name":"creator","type":"address"},
		{"name":"prover","type":"address"},
		{"name":"deadline","type":"uint256"},
		{"name":"nativeValue","type":"uint256"},
		{"name":"tokens","type":"tuple[]","components":` + tokenAmountTuple + `}]`
)

var intentSourceABI = chain.MustABI(`[
	{"name":"publishAndFund","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"intent","type":"tuple","components":[
			{"name":"route","type":"tuple","components":` + routeTuple + `},
			{"name":"reward","type":"tuple","components":` + rewardTuple + `}]},
		{"name":"allowPartial","type":"bool"}],
	 "outputs":[{"name":"intentHash","type":"bytes32"}]},
	{"name":"withdrawRewards","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"routeHash","type":"bytes32"},
		{"name":"reward","type":"tuple","components":` + rewardTuple + `}],
	 "outputs":[]}
]`)

var inboxABI = chain.MustABI(`[
	{"name":"fulfillStorage","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"route","type":"tuple","components":` + routeTuple + `},
		{"name":"rewardHash","type":"bytes32"},
		{"name":"claimant","type":"address"},
		{"name":"expectedHash","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bytes[]"}]}
]`)

// Standalone argument lists used to hash the route and reward exactly as
// the IntentSource does.
var (
	routeArgs  = mustArgs(routeTuple)
	rewardArgs = mustArgs(rewardTuple)
)

func mustArgs(components string) abi.Arguments {
	parsed := chain.MustABI(`[{"name":"f","type":"function","inputs":[{"name":"v","type":"tuple","components":` + components + `}],"outputs":[]}]`)
	return parsed.Methods["f"].Inputs
}

type tokenAmount struct {
	Token  common.Address
	Amount *big.Int
}

type call struct {
	Target common.Address
	Data   []byte
	Value  *big.Int
}

type route struct {
	Salt        [32]byte
	Source      *big.Int
	Destination *big.Int
	Inbox       common.Address
	Tokens      []tokenAmount
	Calls       []call
}

type reward struct {
	Creator     common.Address
	Prover      common.Address
	Deadline    *big.Int
	NativeValue *big.Int
	Tokens      []tokenAmount
}

type intentTuple struct {
	Route  route
	Reward reward
}

func routeOf(i domain.Intent) route {
	calls := make([]call, 0, len(i.Calls))
	for _, c := range i.Calls {
		v := c.Value
		if v == nil {
			v = new(big.Int)
		}
		calls = append(calls, call{Target: c.Target, Data: c.Data, Value: v})
	}
	return route{
		Salt:        i.Salt,
		Source:      big.NewInt(i.SourceChainID),
		Destination: big.NewInt(i.DestinationChainID),
		Inbox:       i.Inbox,
		Tokens:      []tokenAmount{{Token: i.RouteToken, Amount: i.RouteAmount}},
		Calls:       calls,
	}
}

func rewardOf(i domain.Intent) reward {
	native := i.NativeValue
	if native == nil {
		native = new(big.Int)
	}
	return reward{
		Creator:     i.Creator,
		Prover:      i.Prover,
		Deadline:    big.NewInt(i.Deadline.Unix()),
		NativeValue: native,
		Tokens:      []tokenAmount{{Token: i.RewardToken, Amount: i.RewardAmount}},
	}
}

// Hashes returns the route hash, reward hash and intent hash of i:
// intentHash = keccak256(routeHash ‖ rewardHash).
func Hashes(i domain.Intent) (routeHash, rewardHash, intentHash common.Hash, err error) {
	encRoute, err := routeArgs.Pack(routeOf(i))
	if err != nil {
		return common.Hash{}, common.Hash{}, common.Hash{}, fmt.Errorf("negintent: encode route: %w", err)
	}
	encReward, err := rewardArgs.Pack(rewardOf(i))
	if err != nil {
		return common.Hash{}, common.Hash{}, common.Hash{}, fmt.Errorf("negintent: encode reward: %w", err)
	}
	routeHash = crypto.Keccak256Hash(encRoute)
	rewardHash = crypto.Keccak256Hash(encReward)
	intentHash = crypto.Keccak256Hash(routeHash.Bytes(), rewardHash.Bytes())
	return routeHash, rewardHash, intentHash, nil
}

// isTransferCall reports whether c is a plain ERC20 transfer(address,uint256).
func isTransferCall(c domain.IntentCall) bool {
	return len(c.Data) >= 68 && string(c.Data[:4]) == string(chain.TransferSelector)
}
