package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// commandKinds maps the third token of trove.commands.<kind>[.…] subjects.
var commandKinds = map[string]event.EventType{
	"open_trove":            event.EventTypeOpenTrove,
	"adjust_trove":          event.EventTypeAdjustTrove,
	"close_trove":           event.EventTypeCloseTrove,
	"apply_pending_rewards": event.EventTypeApplyPendingRewards,
	"provide":               event.EventTypeProvideToStabilityPool,
	"withdraw":              event.EventTypeWithdrawFromStabilityPool,
	"claim_gain":            event.EventTypeClaimGainToTrove,
	"liquidate":             event.EventTypeLiquidate,
	"liquidate_batch":       event.EventTypeLiquidateBatch,
	"liquidate_list":        event.EventTypeLiquidateList,
	"transfer":              event.EventTypeTransferTokens,
	"claim_surplus":         event.EventTypeClaimCollSurplus,
}

// ResolveEventType derives the event type from a NATS subject.
func ResolveEventType(subject string) (event.EventType, error) {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 3 || tokens[0] != "trove" {
		return event.EventTypeUnknown, fmt.Errorf("unroutable subject %q", subject)
	}
	switch tokens[1] {
	case "prices":
		return event.EventTypePriceUpdate, nil
	case "commands":
		if et, ok := commandKinds[tokens[2]]; ok {
			return et, nil
		}
	}
	return event.EventTypeUnknown, fmt.Errorf("unroutable subject %q", subject)
}

// ParseRawEvent converts wire JSON into a typed event. Amounts travel as
// decimal strings in whole units ("1800.5"), timestamps as epoch
// microseconds.
func ParseRawEvent(raw RawEvent, et event.EventType) (event.Event, error) {
	switch et {
	case event.EventTypePriceUpdate:
		return parsePriceUpdate(raw.Data)
	case event.EventTypeOpenTrove:
		return parseOpenTrove(raw.Data)
	case event.EventTypeAdjustTrove:
		return parseAdjustTrove(raw.Data)
	case event.EventTypeCloseTrove, event.EventTypeApplyPendingRewards, event.EventTypeClaimCollSurplus:
		return parseOwnerCommand(raw.Data, et)
	case event.EventTypeProvideToStabilityPool, event.EventTypeWithdrawFromStabilityPool:
		return parseDepositCommand(raw.Data, et)
	case event.EventTypeClaimGainToTrove:
		return parseClaimGain(raw.Data)
	case event.EventTypeLiquidate:
		return parseLiquidate(raw.Data)
	case event.EventTypeLiquidateBatch:
		return parseLiquidateBatch(raw.Data)
	case event.EventTypeLiquidateList:
		return parseLiquidateList(raw.Data)
	case event.EventTypeTransferTokens:
		return parseTransfer(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", et)
	}
}

// ParseCommand parses a command payload named by its subject kind
// ("open_trove", "liquidate_batch", ...).
func ParseCommand(kind string, data []byte) (event.Command, error) {
	et, ok := commandKinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown command kind %q", kind)
	}
	evt, err := ParseRawEvent(RawEvent{Data: data}, et)
	if err != nil {
		return nil, err
	}
	cmd, ok := evt.(event.Command)
	if !ok {
		return nil, fmt.Errorf("%s is not a command", et)
	}
	return cmd, nil
}

// ParsePrice parses a price payload.
func ParsePrice(data []byte) (*event.PriceUpdate, error) {
	return parsePriceUpdate(data)
}

// --- JSON wire formats ---

type priceJSON struct {
	Price          string `json:"price"`
	PriceSequence  int64  `json:"price_sequence"`
	PriceTimestamp int64  `json:"price_timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	return &event.PriceUpdate{
		Price:          price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestamp,
	}, nil
}

// commandHeader is shared by every command payload.
type commandHeader struct {
	CommandID   string `json:"command_id"`
	Source      string `json:"source"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type header struct {
	id        uuid.UUID
	source    string
	sequence  int64
	timestamp time.Time
}

func (h commandHeader) parse() (header, error) {
	id, err := uuid.Parse(h.CommandID)
	if err != nil {
		return header{}, fmt.Errorf("parse command_id: %w", err)
	}
	return header{
		id:        id,
		source:    h.Source,
		sequence:  h.Sequence,
		timestamp: time.UnixMicro(h.TimestampUs).UTC(),
	}, nil
}

type openTroveJSON struct {
	commandHeader
	Owner      string `json:"owner"`
	Collateral string `json:"collateral"`
	NetDebt    string `json:"net_debt"`
}

func parseOpenTrove(data []byte) (*event.OpenTrove, error) {
	var j openTroveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenTrove: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	coll, err := parseAmount("collateral", j.Collateral)
	if err != nil {
		return nil, err
	}
	debt, err := parseAmount("net_debt", j.NetDebt)
	if err != nil {
		return nil, err
	}
	return &event.OpenTrove{
		CommandID:  h.id,
		Source:     h.source,
		Owner:      owner,
		Collateral: coll,
		NetDebt:    debt,
		Sequence:   h.sequence,
		Timestamp:  h.timestamp,
	}, nil
}

// adjustTroveJSON carries signed decimal changes: "-2.5" withdraws.
type adjustTroveJSON struct {
	commandHeader
	Owner      string `json:"owner"`
	CollChange string `json:"coll_change"`
	DebtChange string `json:"debt_change"`
}

func parseAdjustTrove(data []byte) (*event.AdjustTrove, error) {
	var j adjustTroveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AdjustTrove: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	coll, collUp, err := parseSigned("coll_change", j.CollChange)
	if err != nil {
		return nil, err
	}
	debt, debtUp, err := parseSigned("debt_change", j.DebtChange)
	if err != nil {
		return nil, err
	}
	return &event.AdjustTrove{
		CommandID:    h.id,
		Source:       h.source,
		Owner:        owner,
		CollChange:   coll,
		CollIncrease: collUp,
		DebtChange:   debt,
		DebtIncrease: debtUp,
		Sequence:     h.sequence,
		Timestamp:    h.timestamp,
	}, nil
}

type ownerJSON struct {
	commandHeader
	Owner string `json:"owner"`
}

func parseOwnerCommand(data []byte, et event.EventType) (event.Event, error) {
	var j ownerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	switch et {
	case event.EventTypeCloseTrove:
		return &event.CloseTrove{CommandID: h.id, Source: h.source, Owner: owner, Sequence: h.sequence, Timestamp: h.timestamp}, nil
	case event.EventTypeClaimCollSurplus:
		return &event.ClaimCollSurplus{CommandID: h.id, Source: h.source, Owner: owner, Sequence: h.sequence, Timestamp: h.timestamp}, nil
	}
	return &event.ApplyPendingRewards{CommandID: h.id, Source: h.source, Owner: owner, Sequence: h.sequence, Timestamp: h.timestamp}, nil
}

type depositJSON struct {
	commandHeader
	Depositor string `json:"depositor"`
	Amount    string `json:"amount"`
}

func parseDepositCommand(data []byte, et event.EventType) (event.Event, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	depositor, err := parseID("depositor", j.Depositor)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	if et == event.EventTypeProvideToStabilityPool {
		return &event.ProvideToStabilityPool{
			CommandID: h.id, Source: h.source, Depositor: depositor, Amount: amount,
			Sequence: h.sequence, Timestamp: h.timestamp,
		}, nil
	}
	return &event.WithdrawFromStabilityPool{
		CommandID: h.id, Source: h.source, Depositor: depositor, Amount: amount,
		Sequence: h.sequence, Timestamp: h.timestamp,
	}, nil
}

func parseClaimGain(data []byte) (*event.ClaimGainToTrove, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimGainToTrove: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	depositor, err := parseID("depositor", j.Depositor)
	if err != nil {
		return nil, err
	}
	return &event.ClaimGainToTrove{
		CommandID: h.id,
		Source:    h.source,
		Depositor: depositor,
		Sequence:  h.sequence,
		Timestamp: h.timestamp,
	}, nil
}

type liquidateJSON struct {
	commandHeader
	Liquidator string   `json:"liquidator"`
	Owner      string   `json:"owner,omitempty"`
	MaxCount   int      `json:"max_count,omitempty"`
	Owners     []string `json:"owners,omitempty"`
}

func (j liquidateJSON) parseLiquidator() (header, uuid.UUID, error) {
	h, err := j.parse()
	if err != nil {
		return header{}, uuid.Nil, err
	}
	liquidator, err := parseID("liquidator", j.Liquidator)
	if err != nil {
		return header{}, uuid.Nil, err
	}
	return h, liquidator, nil
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	h, liquidator, err := j.parseLiquidator()
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{
		CommandID:  h.id,
		Source:     h.source,
		Liquidator: liquidator,
		Owner:      owner,
		Sequence:   h.sequence,
		Timestamp:  h.timestamp,
	}, nil
}

func parseLiquidateBatch(data []byte) (*event.LiquidateBatch, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidateBatch: %w", err)
	}
	h, liquidator, err := j.parseLiquidator()
	if err != nil {
		return nil, err
	}
	if j.MaxCount <= 0 {
		return nil, fmt.Errorf("parse max_count: must be positive, got %d", j.MaxCount)
	}
	return &event.LiquidateBatch{
		CommandID:  h.id,
		Source:     h.source,
		Liquidator: liquidator,
		MaxCount:   j.MaxCount,
		Sequence:   h.sequence,
		Timestamp:  h.timestamp,
	}, nil
}

func parseLiquidateList(data []byte) (*event.LiquidateList, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidateList: %w", err)
	}
	h, liquidator, err := j.parseLiquidator()
	if err != nil {
		return nil, err
	}
	owners := make([]uuid.UUID, 0, len(j.Owners))
	for i, s := range j.Owners {
		owner, err := parseID(fmt.Sprintf("owners[%d]", i), s)
		if err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return &event.LiquidateList{
		CommandID:  h.id,
		Source:     h.source,
		Liquidator: liquidator,
		Owners:     owners,
		Sequence:   h.sequence,
		Timestamp:  h.timestamp,
	}, nil
}

type transferJSON struct {
	commandHeader
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func parseTransfer(data []byte) (*event.TransferTokens, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TransferTokens: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	from, err := parseID("from", j.From)
	if err != nil {
		return nil, err
	}
	to, err := parseID("to", j.To)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.TransferTokens{
		CommandID: h.id,
		Source:    h.source,
		From:      from,
		To:        to,
		Amount:    amount,
		Sequence:  h.sequence,
		Timestamp: h.timestamp,
	}, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func parseAmount(field, s string) (fpmath.Amount, error) {
	if s == "" {
		return fpmath.Zero(), nil
	}
	a, err := fpmath.ParseAmount(s)
	if err != nil {
		return fpmath.Amount{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return a, nil
}

// parseSigned splits a signed decimal into magnitude and direction.
func parseSigned(field, s string) (fpmath.Amount, bool, error) {
	negative := strings.HasPrefix(s, "-")
	a, err := parseAmount(field, strings.TrimPrefix(s, "-"))
	if err != nil {
		return fpmath.Amount{}, false, err
	}
	return a, !negative, nil
}
