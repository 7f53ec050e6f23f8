package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

const (
	commandID = "550e8400-e29b-41d4-a716-446655440000"
	ownerID   = "660e8400-e29b-41d4-a716-446655440001"
	otherID   = "770e8400-e29b-41d4-a716-446655440002"
)

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func header(extra map[string]interface{}) map[string]interface{} {
	m := map[string]interface{}{
		"command_id":   commandID,
		"sequence":     int64(3),
		"timestamp_us": int64(1700000000000000),
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func parse(t *testing.T, subject string, payload interface{}) event.Event {
	t.Helper()
	raw := rawFromJSON(t, subject, payload)
	et, err := ingestion.ResolveEventType(raw.Subject)
	if err != nil {
		t.Fatalf("resolve %s: %v", subject, err)
	}
	evt, err := ingestion.ParseRawEvent(raw, et)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return evt
}

func TestResolveEventType(t *testing.T) {
	tests := []struct {
		subject string
		want    event.EventType
	}{
		{"trove.prices.eth-usd", event.EventTypePriceUpdate},
		{"trove.commands.open_trove.frontend", event.EventTypeOpenTrove},
		{"trove.commands.adjust_trove", event.EventTypeAdjustTrove},
		{"trove.commands.provide.x", event.EventTypeProvideToStabilityPool},
		{"trove.commands.liquidate_batch.keeper", event.EventTypeLiquidateBatch},
		{"trove.commands.liquidate.keeper", event.EventTypeLiquidate},
		{"trove.commands.transfer", event.EventTypeTransferTokens},
		{"trove.commands.claim_surplus.frontend", event.EventTypeClaimCollSurplus},
	}
	for _, tt := range tests {
		got, err := ingestion.ResolveEventType(tt.subject)
		if err != nil {
			t.Errorf("%s: %v", tt.subject, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.subject, got, tt.want)
		}
	}

	for _, bad := range []string{"trove.commands", "perp.prices.x", "trove.commands.mint.x", "trove.other.x"} {
		if _, err := ingestion.ResolveEventType(bad); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}
}

func TestParsePriceUpdate(t *testing.T) {
	evt := parse(t, "trove.prices.eth-usd", map[string]interface{}{
		"price":              "2000.25",
		"price_sequence":     int64(9),
		"price_timestamp_us": int64(1700000000000000),
	})

	p, ok := evt.(*event.PriceUpdate)
	if !ok {
		t.Fatalf("expected *event.PriceUpdate, got %T", evt)
	}
	if !p.Price.Eq(fpmath.MustParseAmount("2000.25")) {
		t.Errorf("price: got %s, want 2000.25", p.Price)
	}
	if p.PriceSequence != 9 {
		t.Errorf("price_sequence: got %d, want 9", p.PriceSequence)
	}
	if p.Partition() != event.PartitionOracle {
		t.Errorf("partition: got %s", p.Partition())
	}
}

func TestParseOpenTrove(t *testing.T) {
	evt := parse(t, "trove.commands.open_trove.web", header(map[string]interface{}{
		"source":     "web",
		"owner":      ownerID,
		"collateral": "10.5",
		"net_debt":   "1800",
	}))

	o, ok := evt.(*event.OpenTrove)
	if !ok {
		t.Fatalf("expected *event.OpenTrove, got %T", evt)
	}
	if o.Owner != uuid.MustParse(ownerID) {
		t.Errorf("owner: got %s", o.Owner)
	}
	if !o.Collateral.Eq(fpmath.MustParseAmount("10.5")) {
		t.Errorf("collateral: got %s, want 10.5", o.Collateral)
	}
	if !o.NetDebt.Eq(fpmath.Units(1800)) {
		t.Errorf("net_debt: got %s, want 1800", o.NetDebt)
	}
	if o.SourceSequence() != 3 {
		t.Errorf("sequence: got %d, want 3", o.SourceSequence())
	}
	if o.Partition() != "commands/web" {
		t.Errorf("partition: got %s, want commands/web", o.Partition())
	}
	if !o.Timestamp.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %s", o.Timestamp)
	}
}

func TestParseAdjustTrove_SignedChanges(t *testing.T) {
	evt := parse(t, "trove.commands.adjust_trove", header(map[string]interface{}{
		"owner":       ownerID,
		"coll_change": "-2.5",
		"debt_change": "100",
	}))

	a := evt.(*event.AdjustTrove)
	if a.CollIncrease {
		t.Error("negative coll_change should withdraw")
	}
	if !a.CollChange.Eq(fpmath.MustParseAmount("2.5")) {
		t.Errorf("coll_change: got %s, want 2.5", a.CollChange)
	}
	if !a.DebtIncrease || !a.DebtChange.Eq(fpmath.Units(100)) {
		t.Errorf("debt_change: got %s increase=%v", a.DebtChange, a.DebtIncrease)
	}
}

func TestParseOwnerCommands(t *testing.T) {
	payload := header(map[string]interface{}{"owner": ownerID})

	if _, ok := parse(t, "trove.commands.close_trove", payload).(*event.CloseTrove); !ok {
		t.Error("close_trove should parse to *event.CloseTrove")
	}
	if _, ok := parse(t, "trove.commands.apply_pending_rewards", payload).(*event.ApplyPendingRewards); !ok {
		t.Error("apply_pending_rewards should parse to *event.ApplyPendingRewards")
	}
	c, ok := parse(t, "trove.commands.claim_surplus", payload).(*event.ClaimCollSurplus)
	if !ok || c.Owner != uuid.MustParse(ownerID) {
		t.Errorf("claim_surplus: got %+v", c)
	}
}

func TestParseStabilityPoolCommands(t *testing.T) {
	payload := header(map[string]interface{}{"depositor": ownerID, "amount": "60"})

	p, ok := parse(t, "trove.commands.provide", payload).(*event.ProvideToStabilityPool)
	if !ok || !p.Amount.Eq(fpmath.Units(60)) {
		t.Errorf("provide: got %+v", p)
	}
	w, ok := parse(t, "trove.commands.withdraw", payload).(*event.WithdrawFromStabilityPool)
	if !ok || !w.Amount.Eq(fpmath.Units(60)) {
		t.Errorf("withdraw: got %+v", w)
	}
	c, ok := parse(t, "trove.commands.claim_gain", header(map[string]interface{}{"depositor": ownerID})).(*event.ClaimGainToTrove)
	if !ok || c.Depositor != uuid.MustParse(ownerID) {
		t.Errorf("claim_gain: got %+v", c)
	}
}

func TestParseLiquidations(t *testing.T) {
	single := parse(t, "trove.commands.liquidate", header(map[string]interface{}{
		"liquidator": otherID,
		"owner":      ownerID,
	})).(*event.Liquidate)
	if single.Owner != uuid.MustParse(ownerID) || single.Liquidator != uuid.MustParse(otherID) {
		t.Errorf("liquidate: got %+v", single)
	}

	batch := parse(t, "trove.commands.liquidate_batch", header(map[string]interface{}{
		"liquidator": otherID,
		"max_count":  10,
	})).(*event.LiquidateBatch)
	if batch.MaxCount != 10 {
		t.Errorf("max_count: got %d, want 10", batch.MaxCount)
	}

	list := parse(t, "trove.commands.liquidate_list", header(map[string]interface{}{
		"liquidator": otherID,
		"owners":     []string{ownerID, otherID},
	})).(*event.LiquidateList)
	if len(list.Owners) != 2 || list.Owners[1] != uuid.MustParse(otherID) {
		t.Errorf("owners: got %v", list.Owners)
	}
}

func TestParseTransfer(t *testing.T) {
	tr := parse(t, "trove.commands.transfer", header(map[string]interface{}{
		"from":   ownerID,
		"to":     otherID,
		"amount": "0.000000000000000001",
	})).(*event.TransferTokens)
	if !tr.Amount.Eq(fpmath.NewAmount(1)) {
		t.Errorf("amount: got raw %s, want 1", tr.Amount.Raw())
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := rawFromJSON(t, "trove.commands.x", map[string]string{})
	if _, err := ingestion.ParseRawEvent(raw, event.EventTypeUnknown); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Subject: "trove.prices.x", Data: []byte("not json")}
	if _, err := ingestion.ParseRawEvent(raw, event.EventTypePriceUpdate); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	raw := rawFromJSON(t, "trove.commands.close_trove", header(map[string]interface{}{"owner": "not-a-uuid"}))
	if _, err := ingestion.ParseRawEvent(raw, event.EventTypeCloseTrove); err == nil {
		t.Error("expected error for invalid owner")
	}
}

func TestParseAmount_RejectsExcessPrecision(t *testing.T) {
	raw := rawFromJSON(t, "trove.commands.provide", header(map[string]interface{}{
		"depositor": ownerID,
		"amount":    "1.0000000000000000001",
	}))
	if _, err := ingestion.ParseRawEvent(raw, event.EventTypeProvideToStabilityPool); err == nil {
		t.Error("expected error for 19 decimal places")
	}
}

func TestParseLiquidateBatch_RequiresPositiveCount(t *testing.T) {
	raw := rawFromJSON(t, "trove.commands.liquidate_batch", header(map[string]interface{}{"liquidator": otherID}))
	if _, err := ingestion.ParseRawEvent(raw, event.EventTypeLiquidateBatch); err == nil {
		t.Error("expected error for missing max_count")
	}
}
