package oracle

import (
	"errors"
	"testing"

	"consensus-trader/internal/decision"
)

func testClient() *Client {
	return &Client{
		bounds: decision.Bounds{
			MinLeverage:     5,
			MaxLeverage:     10,
			MinPositionSize: 0.05,
			MaxPositionSize: 0.10,
		},
	}
}

const validResponse = `
这是我的分析结论。

` + "```json" + `
{
  "analysis": "市场整体偏多",
  "trades": [
    {
      "symbol": "BTC/USDT:USDT",
      "action": "open",
      "direction": "long",
      "leverage": 5,
      "position_size_percent": 0.05,
      "entry_price_target": 50000,
      "stop_loss": 48000,
      "confidence": 0.8,
      "reason": "趋势向上"
    },
    {
      "symbol": "ETH/USDT:USDT",
      "action": "HOLD",
      "confidence": 0.6,
      "reason": "信号不明确"
    }
  ]
}
` + "```" + `
`

func TestParseProposalSet_StripsFencesAndNormalizes(t *testing.T) {
	set, err := testClient().parseProposalSet(validResponse)
	if err != nil {
		t.Fatalf("parseProposalSet returned error: %v", err)
	}
	if len(set.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(set.Trades))
	}
	if set.Trades[0].Action != decision.ActionOpen || set.Trades[0].Direction != decision.DirectionLong {
		t.Errorf("lowercase action/direction must normalize: %+v", set.Trades[0])
	}
	if set.Trades[1].Direction != "" {
		t.Errorf("HOLD direction must be blank, got %q", set.Trades[1].Direction)
	}
	if set.Analysis == "" {
		t.Errorf("analysis field must survive parsing")
	}
}

func TestParseProposalSet_RejectsWholeSetOnOneBadTrade(t *testing.T) {
	content := `{
  "analysis": "ok",
  "trades": [
    {"symbol": "BTC/USDT:USDT", "action": "HOLD", "confidence": 0.6},
    {"symbol": "ETH/USDT:USDT", "action": "OPEN", "direction": "LONG",
     "leverage": 50, "position_size_percent": 0.05,
     "entry_price_target": 3000, "stop_loss": 2900, "confidence": 0.9}
  ]
}`
	_, err := testClient().parseProposalSet(content)
	if !errors.Is(err, ErrInvalidProposal) {
		t.Fatalf("one invalid trade must reject the whole set, got %v", err)
	}
}

func TestParseProposalSet_NoJSONFound(t *testing.T) {
	_, err := testClient().parseProposalSet("抱歉，我无法给出建议。")
	if !errors.Is(err, ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal for prose-only output, got %v", err)
	}
}

func TestParseProposalSet_EmptyTrades(t *testing.T) {
	_, err := testClient().parseProposalSet(`{"analysis": "观望", "trades": []}`)
	if !errors.Is(err, ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal for empty trades, got %v", err)
	}
}

func TestExtractJSON_BraceWindow(t *testing.T) {
	payload, err := extractJSON(`前缀文字 {"a": 1} 后缀文字`)
	if err != nil {
		t.Fatalf("extractJSON returned error: %v", err)
	}
	if string(payload) != `{"a": 1}` {
		t.Errorf("unexpected payload: %s", payload)
	}
}

func TestStripFences_PlainContentUntouched(t *testing.T) {
	in := `{"a": 1}`
	if got := stripFences(in); got != in {
		t.Errorf("plain JSON must pass through, got %q", got)
	}
}
