package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an event for EventEnvelope.Payload.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// New returns an empty event of the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypePriceUpdate:
		return &PriceUpdate{}, nil
	case EventTypeOpenTrove:
		return &OpenTrove{}, nil
	case EventTypeAdjustTrove:
		return &AdjustTrove{}, nil
	case EventTypeCloseTrove:
		return &CloseTrove{}, nil
	case EventTypeApplyPendingRewards:
		return &ApplyPendingRewards{}, nil
	case EventTypeProvideToStabilityPool:
		return &ProvideToStabilityPool{}, nil
	case EventTypeWithdrawFromStabilityPool:
		return &WithdrawFromStabilityPool{}, nil
	case EventTypeClaimGainToTrove:
		return &ClaimGainToTrove{}, nil
	case EventTypeLiquidate:
		return &Liquidate{}, nil
	case EventTypeLiquidateBatch:
		return &LiquidateBatch{}, nil
	case EventTypeLiquidateList:
		return &LiquidateList{}, nil
	case EventTypeTransferTokens:
		return &TransferTokens{}, nil
	case EventTypeClaimCollSurplus:
		return &ClaimCollSurplus{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Decode rebuilds an event from a logged payload.
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
