package exchange

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsOrderGone(t *testing.T) {
	wrapped := fmt.Errorf("%w: stop-1", ErrOrderGone)
	if !IsOrderGone(wrapped) {
		t.Errorf("wrapped ErrOrderGone must be recognized")
	}
	if IsOrderGone(errors.New("boom")) {
		t.Errorf("an unrelated error must not count as order-gone")
	}
	if IsOrderGone(nil) {
		t.Errorf("nil is not an error at all")
	}
}

func TestIsRetryable_NonExchangeErrors(t *testing.T) {
	if IsRetryable(nil) {
		t.Errorf("nil must not be retryable")
	}
	if IsRetryable(errors.New("boom")) {
		t.Errorf("unclassified errors must not be retried")
	}
	if IsRetryable(fmt.Errorf("%w: stop-1", ErrOrderGone)) {
		t.Errorf("a vanished order is a terminal state, not a retry candidate")
	}
}
