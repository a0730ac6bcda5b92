package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// IntentStatus is the on-protocol state of a published intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentFulfilled IntentStatus = "FULFILLED"
	IntentProven    IntentStatus = "PROVEN"
	IntentWithdrawn IntentStatus = "WITHDRAWN"
)

// IntentCall is one call the fulfiller must make on the destination chain.
type IntentCall struct {
	Target common.Address `json:"target"`
	Data   []byte         `json:"data"`
	Value  *big.Int       `json:"value"`
}

// Intent is a published, possibly unfulfilled, on-protocol intent. Route
// amounts are what the fulfiller spends; reward amounts are what it collects.
type Intent struct {
	Hash               common.Hash    `json:"hash"`
	Salt               common.Hash    `json:"salt"`
	SourceChainID      int64          `json:"sourceChainId"`
	DestinationChainID int64          `json:"destinationChainId"`
	Inbox              common.Address `json:"inbox"`
	Creator            common.Address `json:"creator"`
	Prover             common.Address `json:"prover"`
	RouteToken         common.Address `json:"routeToken"`
	RouteAmount        *big.Int       `json:"routeAmount"`
	RewardToken        common.Address `json:"rewardToken"`
	RewardAmount       *big.Int       `json:"rewardAmount"`
	NativeValue        *big.Int       `json:"nativeValue"`
	Calls              []IntentCall   `json:"calls"`
	Deadline           time.Time      `json:"deadline"`
	// Negative is set for intents this engine published to offload inventory.
	Negative  bool         `json:"negative"`
	Status    IntentStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Expired reports whether the reward deadline has passed at now.
func (i Intent) Expired(now time.Time) bool {
	return !i.Deadline.After(now)
}

// IntentFilter narrows IntentStore.ListOpen.
type IntentFilter struct {
	RouteChainID  int64
	RouteToken    common.Address
	RewardChainID int64
	RewardToken   common.Address
}
