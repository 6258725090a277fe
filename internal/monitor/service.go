package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"consensus-trader/internal/decision"
	"consensus-trader/internal/exchange"
	"consensus-trader/internal/execution"
	"consensus-trader/internal/ledger"
	"consensus-trader/internal/oracle"
	"consensus-trader/internal/risk"
	"consensus-trader/internal/store"
)

// Service 负责持久化监控与审计事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := store.Migrate(eventSchema); err != nil {
		return nil, fmt.Errorf("monitor: 初始化表失败: %w", err)
	}

	return &Service{
		db:     store.DB(),
		logger: logger,
	}, nil
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordOracleAttempt 记录顾问模型调用审计，实现 oracle.AttemptRecorder。
func (s *Service) RecordOracleAttempt(ctx context.Context, attempt oracle.Attempt) {
	if err := s.Record(ctx, Event{
		Type:      EventOracleAttempt,
		Timestamp: attempt.Timestamp,
		Payload:   OracleAttemptPayload{Attempt: attempt},
	}); err != nil {
		s.logger.Warn("记录顾问调用事件失败", zap.Error(err))
	}
}

// RecordAggregation 记录共识裁决结果。
func (s *Service) RecordAggregation(ctx context.Context, decisions []decision.AggregatedDecision, audit decision.Audit) {
	if err := s.Record(ctx, Event{
		Type:      EventAggregation,
		Timestamp: time.Now().UTC(),
		Payload: AggregationPayload{
			Decisions:  decisions,
			Responders: audit.Responders,
			NonVoting:  audit.NonVoting,
			Notes:      audit.Notes,
		},
	}); err != nil {
		s.logger.Warn("记录共识裁决事件失败", zap.Error(err))
	}
}

// RecordRiskVerdict 记录风控裁定。
func (s *Service) RecordRiskVerdict(ctx context.Context, d decision.AggregatedDecision, verdict risk.Verdict) {
	if err := s.Record(ctx, Event{
		Type:      EventRiskVerdict,
		Timestamp: time.Now().UTC(),
		Payload:   RiskVerdictPayload{Decision: d, Verdict: verdict},
	}); err != nil {
		s.logger.Warn("记录风控事件失败", zap.Error(err))
	}
}

// RecordExecution 记录订单执行结果。
func (s *Service) RecordExecution(ctx context.Context, d decision.AggregatedDecision, result execution.Result) {
	if err := s.Record(ctx, Event{
		Type:      EventExecution,
		Timestamp: time.Now().UTC(),
		Payload:   ExecutionPayload{Decision: d, Result: result},
	}); err != nil {
		s.logger.Warn("记录执行事件失败", zap.Error(err))
	}
}

// RecordPosition 记录账户与持仓状态。
func (s *Service) RecordPosition(ctx context.Context, account exchange.AccountSnapshot, positions []ledger.Position) {
	if err := s.Record(ctx, Event{
		Type:      EventPosition,
		Timestamp: time.Now().UTC(),
		Payload:   PositionPayload{Account: account, Positions: positions},
	}); err != nil {
		s.logger.Warn("记录仓位事件失败", zap.Error(err))
	}
}

// RecordCycleReport 记录周期汇总，payload 由调用方组装。
func (s *Service) RecordCycleReport(ctx context.Context, payload interface{}) {
	if err := s.Record(ctx, Event{
		Type:      EventCycleReport,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录周期汇总事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
