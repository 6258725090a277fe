package oracle

import (
	"context"
	"time"
)

// FailureKind 对顾问模型调用失败进行分类，便于审计统计。
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTimeout   FailureKind = "timeout"
	FailureTransport FailureKind = "transport"
	FailureParse     FailureKind = "parse"
	FailureOther     FailureKind = "other"
)

// Attempt 记录一次顾问模型调用的完整过程，无论成败。
type Attempt struct {
	Oracle      string        `json:"oracle"`
	Model       string        `json:"model"`
	Prompt      string        `json:"prompt"`
	RawResponse string        `json:"raw_response,omitempty"`
	Failure     FailureKind   `json:"failure,omitempty"`
	Error       string        `json:"error,omitempty"`
	Latency     time.Duration `json:"latency"`
	Timestamp   time.Time     `json:"timestamp"`
}

// AttemptRecorder 接收调用审计记录。记录失败不影响交易流程。
type AttemptRecorder interface {
	RecordOracleAttempt(ctx context.Context, attempt Attempt)
}

// NopRecorder 丢弃所有审计记录。
type NopRecorder struct{}

func (NopRecorder) RecordOracleAttempt(context.Context, Attempt) {}
