package decision

import "testing"

func boundsForTest() Bounds {
	return Bounds{
		MinLeverage:     5,
		MaxLeverage:     10,
		MinPositionSize: 0.05,
		MaxPositionSize: 0.10,
	}
}

func TestNormalize_LegacyBreakoutAliases(t *testing.T) {
	p := TradeProposal{Symbol: "btc/usdt:usdt", Action: "bp", Direction: "long"}
	if err := p.Normalize(); err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if p.Action != ActionBreakoutBuy {
		t.Errorf("expected BP to normalize to BREAKOUT_BUY, got %s", p.Action)
	}
	if p.Symbol != "BTC/USDT:USDT" {
		t.Errorf("expected uppercase symbol, got %s", p.Symbol)
	}

	p = TradeProposal{Symbol: "ETH/USDT:USDT", Action: "SP", Direction: "SHORT"}
	if err := p.Normalize(); err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if p.Action != ActionBreakoutSell {
		t.Errorf("expected SP to normalize to BREAKOUT_SELL, got %s", p.Action)
	}
}

func TestNormalize_DirectionClearedForCloseAndHold(t *testing.T) {
	for _, action := range []Action{ActionClose, ActionHold} {
		p := TradeProposal{Symbol: "BTC/USDT:USDT", Action: action, Direction: "LONG"}
		if err := p.Normalize(); err != nil {
			t.Fatalf("Normalize(%s) returned error: %v", action, err)
		}
		if p.Direction != "" {
			t.Errorf("direction must be cleared for %s, got %q", action, p.Direction)
		}
	}
}

func TestNormalize_RejectsUnknownAction(t *testing.T) {
	p := TradeProposal{Symbol: "BTC/USDT:USDT", Action: "SELL_EVERYTHING"}
	if err := p.Normalize(); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestValidate_StopMustBeOnProtectiveSide(t *testing.T) {
	long := TradeProposal{
		Symbol:               "BTC/USDT:USDT",
		Action:               ActionOpen,
		Direction:            DirectionLong,
		Leverage:             5,
		PositionSizeFraction: 0.05,
		EntryPriceTarget:     50000,
		StopLossPrice:        51000,
		Confidence:           0.8,
	}
	if err := long.Validate(boundsForTest()); err == nil {
		t.Errorf("long stop above entry must be rejected")
	}

	short := long
	short.Direction = DirectionShort
	short.StopLossPrice = 49000
	if err := short.Validate(boundsForTest()); err == nil {
		t.Errorf("short stop below entry must be rejected")
	}
}

func TestValidate_LeverageAndSizeBounds(t *testing.T) {
	p := TradeProposal{
		Symbol:               "BTC/USDT:USDT",
		Action:               ActionOpen,
		Direction:            DirectionLong,
		Leverage:             20,
		PositionSizeFraction: 0.05,
		EntryPriceTarget:     50000,
		StopLossPrice:        48000,
		Confidence:           0.8,
	}
	if err := p.Validate(boundsForTest()); err == nil {
		t.Errorf("leverage above bound must be rejected")
	}

	p.Leverage = 5
	p.PositionSizeFraction = 0.5
	if err := p.Validate(boundsForTest()); err == nil {
		t.Errorf("position size above bound must be rejected")
	}
}

func TestValidate_HoldSkipsEntryChecks(t *testing.T) {
	p := TradeProposal{Symbol: "BTC/USDT:USDT", Action: ActionHold, Confidence: 0.5}
	if err := p.Validate(boundsForTest()); err != nil {
		t.Errorf("HOLD without entry fields must pass validation: %v", err)
	}
}

func TestValidate_ConfidenceRange(t *testing.T) {
	p := TradeProposal{Symbol: "BTC/USDT:USDT", Action: ActionHold, Confidence: 0.05}
	if err := p.Validate(boundsForTest()); err == nil {
		t.Errorf("confidence below 0.1 must be rejected")
	}
}
