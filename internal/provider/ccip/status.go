package ccip

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/settlement"
)

// StatusSource reads message execution state from the destination offRamps.
type StatusSource struct {
	client domain.ChainClient
}

var _ settlement.Source = (*StatusSource)(nil)

func NewStatusSource(client domain.ChainClient) *StatusSource {
	return &StatusSource{client: client}
}

type execLog struct {
	block uint64
	index uint
	state uint8
}

// Check finds every offRamp on the destination router serving the source
// selector, collects ExecutionStateChanged logs for the message id from
// fromBlock on, and maps the most recent state.
func (s *StatusSource) Check(ctx context.Context, d settlement.Delivery, fromBlock uint64) (settlement.Result, error) {
	var sp statusPayload
	if err := json.Unmarshal(d.Payload, &sp); err != nil {
		return settlement.Result{}, fmt.Errorf("ccip: decode delivery payload: %w", err)
	}
	messageID := common.HexToHash(d.Ref)
	if messageID == (common.Hash{}) {
		return settlement.Result{}, fmt.Errorf("ccip: invalid message id %q", d.Ref)
	}

	ramps, err := s.offRamps(ctx, d.DestinationChainID, sp.DestinationRouter, sp.SourceSelector)
	if err != nil {
		return settlement.Result{}, err
	}

	var found []execLog
	for _, variant := range []struct {
		event abi.Event
		// topics places messageId in the variant's indexed position.
		topics [][]common.Hash
	}{
		{execStateV2, [][]common.Hash{{execStateV2.ID}, nil, {messageID}}},
		{execStateV1, [][]common.Hash{{execStateV1.ID}, nil, nil, {messageID}}},
	} {
		logs, err := s.client.FilterLogs(ctx, d.DestinationChainID, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			Addresses: ramps,
			Topics:    variant.topics,
		})
		if err != nil {
			return settlement.Result{}, fmt.Errorf("ccip: filter %s logs: %w", variant.event.Sig, err)
		}
		for _, lg := range logs {
			st, err := decodeState(variant.event, lg)
			if err != nil {
				return settlement.Result{}, err
			}
			found = append(found, execLog{block: lg.BlockNumber, index: lg.Index, state: st})
		}
	}

	if len(found) == 0 {
		return settlement.Result{Status: settlement.StatusPending}, nil
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].block != found[j].block {
			return found[i].block > found[j].block
		}
		return found[i].index > found[j].index
	})
	switch found[0].state {
	case stateSuccess:
		return settlement.Result{Status: settlement.StatusSuccess}, nil
	case stateFailure:
		return settlement.Result{Status: settlement.StatusFailure}, nil
	default:
		return settlement.Result{Status: settlement.StatusPending}, nil
	}
}

func (s *StatusSource) offRamps(ctx context.Context, chainID int64, router common.Address, sourceSelector uint64) ([]common.Address, error) {
	data, err := routerABI.Pack("getOffRamps")
	if err != nil {
		return nil, fmt.Errorf("ccip: pack getOffRamps: %w", err)
	}
	out, err := s.client.CallContract(ctx, chainID, ethereum.CallMsg{To: &router, Data: data})
	if err != nil {
		return nil, fmt.Errorf("ccip: getOffRamps: %w", err)
	}
	vals, err := routerABI.Unpack("getOffRamps", out)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("ccip: unpack getOffRamps: %w", err)
	}
	all := *abi.ConvertType(vals[0], new([]offRamp)).(*[]offRamp)

	var matched []common.Address
	for _, r := range all {
		if r.SourceChainSelector == sourceSelector {
			matched = append(matched, r.OffRamp)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("ccip: no offRamp for source selector %d on chain %d", sourceSelector, chainID)
	}
	return matched, nil
}

func decodeState(ev abi.Event, lg types.Log) (uint8, error) {
	vals := map[string]any{}
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(vals, lg.Data); err != nil {
		return 0, fmt.Errorf("ccip: decode %s: %w", ev.Sig, err)
	}
	st, ok := vals["state"].(uint8)
	if !ok {
		return stateUntouched, nil
	}
	return st, nil
}
