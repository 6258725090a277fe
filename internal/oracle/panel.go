package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"consensus-trader/internal/decision"
)

// Panel 管理全部顾问模型并负责并行问询。
type Panel struct {
	clients  []*Client
	recorder AttemptRecorder
	logger   *zap.Logger
}

// NewPanel 创建顾问面板。clients 的顺序即共识裁决的优先级顺序。
func NewPanel(clients []*Client, recorder AttemptRecorder, logger *zap.Logger) *Panel {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Panel{
		clients:  clients,
		recorder: recorder,
		logger:   logger,
	}
}

// Size 返回已配置的顾问数量。
func (p *Panel) Size() int {
	return len(p.clients)
}

// QueryAll 并行问询所有顾问模型，所有问询结束后统一返回。
// 单个顾问超时或失败不影响其余顾问，结果顺序与配置顺序一致。
func (p *Panel) QueryAll(ctx context.Context, prompt string) []decision.OracleReport {
	reports := make([]decision.OracleReport, len(p.clients))

	var wg sync.WaitGroup
	for i, client := range p.clients {
		wg.Add(1)
		go func(idx int, c *Client) {
			defer wg.Done()

			start := time.Now()
			set, raw, err := c.Query(ctx, prompt)
			latency := time.Since(start)

			attempt := Attempt{
				Oracle:      c.Name(),
				Model:       c.cfg.Model,
				Prompt:      prompt,
				RawResponse: raw,
				Latency:     latency,
				Timestamp:   time.Now().UTC(),
			}

			if err != nil {
				attempt.Failure = classifyFailure(err)
				attempt.Error = err.Error()
				p.logger.Warn("顾问模型本周期弃权",
					zap.String("oracle", c.Name()),
					zap.String("failure", string(attempt.Failure)),
					zap.Duration("latency", latency),
					zap.Error(err),
				)
			} else {
				p.logger.Info("顾问模型应答",
					zap.String("oracle", c.Name()),
					zap.Int("trades", len(set.Trades)),
					zap.Duration("latency", latency),
				)
			}

			p.recorder.RecordOracleAttempt(ctx, attempt)

			reports[idx] = decision.OracleReport{
				Oracle:  c.Name(),
				Set:     set,
				Failure: err,
			}
		}(i, client)
	}
	wg.Wait()

	return reports
}

func classifyFailure(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrInvalidProposal):
		return FailureParse
	case errors.Is(err, context.Canceled):
		return FailureOther
	default:
		return FailureTransport
	}
}
