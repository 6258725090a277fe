package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"consensus-trader/internal/decision"
	"consensus-trader/internal/exchange"
	"consensus-trader/internal/ledger"
)

type mockExchange struct {
	calls []string

	leverageErr error
	marketErr   error
	stopErr     error
	entryErr    error
	cancelErr   error
	cancelErrs  map[string]error
}

func (m *mockExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	m.calls = append(m.calls, "SetLeverage")
	return m.leverageErr
}

func (m *mockExchange) PlaceMarketOrder(_ context.Context, symbol string, side exchange.Side, quantity float64, reduceOnly bool) (exchange.OrderAck, error) {
	m.calls = append(m.calls, fmt.Sprintf("PlaceMarketOrder:%s:reduceOnly=%t", side, reduceOnly))
	if m.marketErr != nil {
		return exchange.OrderAck{}, m.marketErr
	}
	return exchange.OrderAck{ID: "entry-1", Status: "closed"}, nil
}

func (m *mockExchange) PlaceProtectiveStop(_ context.Context, symbol string, side exchange.Side, quantity, stopPrice float64) (exchange.OrderAck, error) {
	m.calls = append(m.calls, fmt.Sprintf("PlaceProtectiveStop:%s", side))
	if m.stopErr != nil {
		return exchange.OrderAck{}, m.stopErr
	}
	return exchange.OrderAck{ID: "stop-1", Status: "open"}, nil
}

func (m *mockExchange) PlaceStopEntry(_ context.Context, symbol string, side exchange.Side, quantity, triggerPrice float64) (exchange.OrderAck, error) {
	m.calls = append(m.calls, fmt.Sprintf("PlaceStopEntry:%s", side))
	if m.entryErr != nil {
		return exchange.OrderAck{}, m.entryErr
	}
	return exchange.OrderAck{ID: "rest-1", Status: "open"}, nil
}

func (m *mockExchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	m.calls = append(m.calls, "CancelOrder:"+orderID)
	if err, ok := m.cancelErrs[orderID]; ok {
		return err
	}
	return m.cancelErr
}

func openDecision() decision.AggregatedDecision {
	return decision.AggregatedDecision{
		TradeProposal: decision.TradeProposal{
			Symbol:               "BTC/USDT:USDT",
			Action:               decision.ActionOpen,
			Direction:            decision.DirectionLong,
			Leverage:             5,
			PositionSizeFraction: 0.05,
			EntryPriceTarget:     50000,
			StopLossPrice:        48000,
			Confidence:           0.8,
		},
	}
}

func assertCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("unexpected call count: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d mismatch: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestApplyOpen_OrdersLeverageEntryStop(t *testing.T) {
	mock := &mockExchange{}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	guard, _ := book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), openDecision(), guard, 10000, 50000)
	guard.Release()

	if !result.Applied || result.Failure != FailureNone {
		t.Fatalf("expected applied result, got %+v", result)
	}
	assertCalls(t, mock.calls, []string{
		"SetLeverage",
		"PlaceMarketOrder:buy:reduceOnly=false",
		"PlaceProtectiveStop:sell",
	})

	pos, ok := book.Get("BTC/USDT:USDT")
	if !ok {
		t.Fatalf("expected position recorded after open")
	}
	if pos.EntryOrderID != "entry-1" || pos.StopOrderID != "stop-1" {
		t.Errorf("unexpected order ids: %+v", pos)
	}
	if pos.Quantity <= 0 {
		t.Errorf("long position must have positive quantity: %f", pos.Quantity)
	}
}

func TestApplyOpen_LeverageFailureAbortsBeforeOrders(t *testing.T) {
	mock := &mockExchange{leverageErr: errors.New("boom")}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	guard, _ := book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), openDecision(), guard, 10000, 50000)
	guard.Release()

	if result.Applied || result.Failure != FailureExchangeCall {
		t.Fatalf("expected aborted result, got %+v", result)
	}
	assertCalls(t, mock.calls, []string{"SetLeverage"})
	if _, ok := book.Get("BTC/USDT:USDT"); ok {
		t.Errorf("no position may be recorded when leverage set fails")
	}
}

func TestApplyOpen_StopFailureRecordsUnprotectedPosition(t *testing.T) {
	mock := &mockExchange{stopErr: errors.New("rejected")}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	guard, _ := book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), openDecision(), guard, 10000, 50000)
	guard.Release()

	if !result.Applied {
		t.Fatalf("entry filled, result must be applied: %+v", result)
	}
	if result.Failure != FailureUnprotectedAfterOpen {
		t.Fatalf("expected FailureUnprotectedAfterOpen, got %s", result.Failure)
	}

	pos, ok := book.Get("BTC/USDT:USDT")
	if !ok {
		t.Fatalf("position must be recorded despite stop failure (quantity is real)")
	}
	if !pos.Unprotected || pos.HaltReason == "" {
		t.Errorf("position must be flagged unprotected: %+v", pos)
	}
}

func TestApplyClose_CancelsStopBeforeClosing(t *testing.T) {
	mock := &mockExchange{}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	guard, _ := book.Begin("BTC/USDT:USDT")
	guard.RecordOpen(ledger.Position{
		Quantity:    0.5,
		StopOrderID: "stop-old",
		Direction:   decision.DirectionLong,
	})
	guard.Release()

	d := openDecision()
	d.Action = decision.ActionClose
	d.Direction = ""

	guard, _ = book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), d, guard, 10000, 50000)
	guard.Release()

	if !result.Applied {
		t.Fatalf("expected close to succeed: %+v", result)
	}
	assertCalls(t, mock.calls, []string{
		"CancelOrder:stop-old",
		"PlaceMarketOrder:sell:reduceOnly=true",
	})
	if _, ok := book.Get("BTC/USDT:USDT"); ok {
		t.Errorf("position must be removed after close")
	}
}

func TestApplyClose_AdoptedPositionCancelsExchangeStop(t *testing.T) {
	mock := &mockExchange{}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	// 重启后接管的仓位：账本通过 Sync 从交易所快照获得，
	// 止损单号来自交易所侧的挂单查询。
	book.Sync([]ledger.Position{{
		Symbol:      "BTC/USDT:USDT",
		Quantity:    0.5,
		EntryPrice:  50000,
		StopOrderID: "stop-live",
		Direction:   decision.DirectionLong,
	}})

	d := openDecision()
	d.Action = decision.ActionClose
	d.Direction = ""

	guard, _ := book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), d, guard, 10000, 50000)
	guard.Release()

	if !result.Applied {
		t.Fatalf("expected close to succeed: %+v", result)
	}
	assertCalls(t, mock.calls, []string{
		"CancelOrder:stop-live",
		"PlaceMarketOrder:sell:reduceOnly=true",
	})
}

func TestApplyClose_CancelsAdoptedTakeProfitOrder(t *testing.T) {
	mock := &mockExchange{}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	book.Sync([]ledger.Position{{
		Symbol:       "BTC/USDT:USDT",
		Quantity:     0.5,
		StopOrderID:  "stop-live",
		TakeProfitID: "tp-live",
		Direction:    decision.DirectionLong,
	}})

	d := openDecision()
	d.Action = decision.ActionClose
	d.Direction = ""

	guard, _ := book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), d, guard, 10000, 50000)
	guard.Release()

	if !result.Applied {
		t.Fatalf("expected close to succeed: %+v", result)
	}
	assertCalls(t, mock.calls, []string{
		"CancelOrder:stop-live",
		"CancelOrder:tp-live",
		"PlaceMarketOrder:sell:reduceOnly=true",
	})
}

func TestApplyClose_TakeProfitCancelFailureDoesNotAbort(t *testing.T) {
	mock := &mockExchange{cancelErrs: map[string]error{"tp-live": errors.New("rejected")}}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	book.Sync([]ledger.Position{{
		Symbol:       "BTC/USDT:USDT",
		Quantity:     0.5,
		StopOrderID:  "stop-live",
		TakeProfitID: "tp-live",
		Direction:    decision.DirectionLong,
	}})

	d := openDecision()
	d.Action = decision.ActionClose
	d.Direction = ""

	guard, _ := book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), d, guard, 10000, 50000)
	guard.Release()

	if !result.Applied || result.Failure != FailureNone {
		t.Fatalf("a failed take-profit cancel must not block the close: %+v", result)
	}
	if _, ok := book.Get("BTC/USDT:USDT"); ok {
		t.Errorf("position must be removed after close")
	}
}

func TestApplyClose_StopAlreadyGoneIsSuccess(t *testing.T) {
	mock := &mockExchange{cancelErr: fmt.Errorf("%w: stop-old", exchange.ErrOrderGone)}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	guard, _ := book.Begin("BTC/USDT:USDT")
	guard.RecordOpen(ledger.Position{Quantity: 0.5, StopOrderID: "stop-old", Direction: decision.DirectionLong})
	guard.Release()

	d := openDecision()
	d.Action = decision.ActionClose
	d.Direction = ""

	guard, _ = book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), d, guard, 10000, 50000)
	guard.Release()

	if !result.Applied || result.Failure != FailureNone {
		t.Fatalf("cancel racing with a fill must count as success: %+v", result)
	}
	if _, ok := book.Get("BTC/USDT:USDT"); ok {
		t.Errorf("position must be removed after close")
	}
}

func TestApplyClose_OtherCancelFailureAborts(t *testing.T) {
	mock := &mockExchange{cancelErr: errors.New("exchange sulking")}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	guard, _ := book.Begin("BTC/USDT:USDT")
	guard.RecordOpen(ledger.Position{Quantity: 0.5, StopOrderID: "stop-old", Direction: decision.DirectionLong})
	guard.Release()

	d := openDecision()
	d.Action = decision.ActionClose
	d.Direction = ""

	guard, _ = book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), d, guard, 10000, 50000)
	guard.Release()

	if result.Applied {
		t.Fatalf("close must abort when the stale stop cannot be cancelled")
	}
	if result.Failure != FailureStaleStopCancel {
		t.Fatalf("expected FailureStaleStopCancel, got %s", result.Failure)
	}
	assertCalls(t, mock.calls, []string{"CancelOrder:stop-old"})

	pos, ok := book.Get("BTC/USDT:USDT")
	if !ok || pos.StopOrderID != "stop-old" {
		t.Errorf("aborted close must leave the position and its stop untouched: %+v", pos)
	}
}

func TestApplyClose_CloseFailureAfterCancelFreezesSymbol(t *testing.T) {
	mock := &mockExchange{marketErr: errors.New("insufficient margin")}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	guard, _ := book.Begin("BTC/USDT:USDT")
	guard.RecordOpen(ledger.Position{Quantity: 0.5, StopOrderID: "stop-old", Direction: decision.DirectionLong})
	guard.Release()

	d := openDecision()
	d.Action = decision.ActionClose
	d.Direction = ""

	guard, _ = book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), d, guard, 10000, 50000)
	guard.Release()

	if result.Applied || result.Failure != FailureExchangeCall {
		t.Fatalf("expected exchange failure, got %+v", result)
	}

	pos, ok := book.Get("BTC/USDT:USDT")
	if !ok {
		t.Fatalf("position must remain after failed close")
	}
	if !pos.Unprotected {
		t.Errorf("stop was cancelled and close failed, symbol must be frozen: %+v", pos)
	}
}

func TestApplyBreakout_PlacesRestingEntry(t *testing.T) {
	mock := &mockExchange{}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	d := openDecision()
	d.Action = decision.ActionBreakoutSell
	d.Direction = decision.DirectionShort
	d.EntryPriceTarget = 49000
	d.StopLossPrice = 51000

	guard, _ := book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), d, guard, 10000, 50000)
	guard.Release()

	if !result.Applied {
		t.Fatalf("expected breakout order placed: %+v", result)
	}
	assertCalls(t, mock.calls, []string{"SetLeverage", "PlaceStopEntry:sell"})

	pos, ok := book.Get("BTC/USDT:USDT")
	if !ok {
		t.Fatalf("resting entry must be tracked in the ledger")
	}
	if !pos.WaitForFill || pos.PendingStopPrice != 51000 {
		t.Errorf("unexpected breakout position: %+v", pos)
	}
}

func TestAttachPendingStops_AttachesAfterFill(t *testing.T) {
	mock := &mockExchange{}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	guard, _ := book.Begin("BTC/USDT:USDT")
	guard.RecordOpen(ledger.Position{
		Quantity:         0.4,
		PendingStopPrice: 48000,
		Direction:        decision.DirectionLong,
	})
	guard.Release()

	results := exec.AttachPendingStops(context.Background())
	if len(results) != 1 || !results[0].Applied {
		t.Fatalf("expected one attached stop, got %+v", results)
	}
	assertCalls(t, mock.calls, []string{"PlaceProtectiveStop:sell"})

	pos, _ := book.Get("BTC/USDT:USDT")
	if pos.StopOrderID != "stop-1" || pos.PendingStopPrice != 0 {
		t.Errorf("stop id must be recorded and pending price cleared: %+v", pos)
	}
}

func TestAttachPendingStops_FailureFreezesSymbol(t *testing.T) {
	mock := &mockExchange{stopErr: errors.New("rejected")}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	guard, _ := book.Begin("BTC/USDT:USDT")
	guard.RecordOpen(ledger.Position{Quantity: 0.4, PendingStopPrice: 48000, Direction: decision.DirectionLong})
	guard.Release()

	results := exec.AttachPendingStops(context.Background())
	if len(results) != 1 || results[0].Failure != FailureUnprotectedAfterOpen {
		t.Fatalf("expected unprotected failure, got %+v", results)
	}

	pos, _ := book.Get("BTC/USDT:USDT")
	if !pos.Unprotected {
		t.Errorf("failed stop attach must freeze the symbol: %+v", pos)
	}
}

func TestApplyHold_NoExchangeInteraction(t *testing.T) {
	mock := &mockExchange{}
	book := ledger.New(nil)
	exec := NewExecutor(mock, book, nil)

	d := openDecision()
	d.Action = decision.ActionHold
	d.Direction = ""

	guard, _ := book.Begin("BTC/USDT:USDT")
	result := exec.Apply(context.Background(), d, guard, 10000, 50000)
	guard.Release()

	if !result.Applied {
		t.Fatalf("HOLD must report applied: %+v", result)
	}
	if len(mock.calls) != 0 {
		t.Errorf("HOLD must not touch the exchange: %v", mock.calls)
	}
}
