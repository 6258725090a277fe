package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"consensus-trader/internal/config"
	"consensus-trader/internal/decision"
	"consensus-trader/internal/exchange"
	"consensus-trader/internal/execution"
	"consensus-trader/internal/indicator"
	"consensus-trader/internal/ledger"
	"consensus-trader/internal/market"
	"consensus-trader/internal/monitor"
	"consensus-trader/internal/oracle"
	"consensus-trader/internal/risk"
	"consensus-trader/internal/store"
)

// cycleReport 为单个周期的汇总记录，写入监控存储并通过 /report 暴露。
type cycleReport struct {
	Invocation int64                         `json:"invocation"`
	StartedAt  time.Time                     `json:"started_at"`
	FinishedAt time.Time                     `json:"finished_at"`
	Responders []string                      `json:"responders"`
	NonVoting  []string                      `json:"non_voting"`
	Decisions  []decision.AggregatedDecision `json:"decisions"`
	Verdicts   []risk.Verdict                `json:"verdicts"`
	Results    []execution.Result            `json:"results"`
	Errors     []string                      `json:"errors,omitempty"`
}

type orchestrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	client     *exchange.Client
	marketSvc  *exchange.Service
	reports    *market.Builder
	panel      *oracle.Panel
	aggregator *decision.Aggregator
	gate       *risk.Gate
	book       *ledger.Ledger
	executor   *execution.Executor
	monitor    *monitor.Service
	state      *runState
	bounds     decision.Bounds
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	state, err := loadRunState(st)
	if err != nil {
		return nil, fmt.Errorf("加载运行状态失败: %w", err)
	}

	bounds := decision.Bounds{
		MinLeverage:     cfg.Trading.MinLeverage,
		MaxLeverage:     cfg.Trading.MaxLeverage,
		MinPositionSize: cfg.Trading.MinPositionSize,
		MaxPositionSize: cfg.Trading.MaxPositionSize,
	}

	clients := make([]*oracle.Client, 0, len(cfg.Oracles))
	for _, oracleCfg := range cfg.Oracles {
		oc, err := oracle.NewClient(oracleCfg, bounds, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化顾问客户端失败 (%s): %w", oracleCfg.Name, err)
		}
		clients = append(clients, oc)
	}

	book := ledger.New(logger)

	return &orchestrator{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		marketSvc:  exchange.NewService(client, logger),
		reports:    market.NewBuilder(indicator.NewCalculator(), logger),
		panel:      oracle.NewPanel(clients, monitorSvc, logger),
		aggregator: decision.NewAggregator(logger),
		gate:       risk.NewGate(cfg.Trading.ConfidenceThreshold, logger),
		book:       book,
		executor:   execution.NewExecutor(client, book, logger),
		monitor:    monitorSvc,
		state:      state,
		bounds:     bounds,
	}, nil
}

func (o *orchestrator) Monitor() *monitor.Service {
	return o.monitor
}

// runCycle 执行一个完整决策周期。返回错误表示周期级失败，
// 调度器记录后继续下一周期。
func (o *orchestrator) runCycle(ctx context.Context) error {
	startedAt := time.Now().UTC()

	invocation, err := o.state.NextInvocation()
	if err != nil {
		return err
	}

	report := cycleReport{Invocation: invocation, StartedAt: startedAt}
	o.logger.Info("决策周期开始", zap.Int64("invocation", invocation))

	// 1. 以交易所为准刷新账本。
	account, details, err := o.client.FetchAccountSnapshot(ctx)
	if err != nil {
		o.monitor.RecordError(ctx, "获取账户快照失败", err, nil)
		return err
	}
	o.book.Sync(livePositions(details))
	o.monitor.RecordPosition(ctx, account, o.book.Snapshot())

	// 2. 为已成交的突破仓位补挂止损单。
	for _, result := range o.executor.AttachPendingStops(noCancel(ctx)) {
		report.Results = append(report.Results, result)
		o.monitor.RecordExecution(ctx, decision.AggregatedDecision{
			TradeProposal: decision.TradeProposal{Symbol: result.Symbol, Action: result.Action},
		}, result)
	}

	// 3. 采集行情并计算指标。
	sections := make([]string, 0, len(o.cfg.Trading.Pairs))
	prices := make(map[string]float64, len(o.cfg.Trading.Pairs))
	for _, pair := range o.cfg.Trading.Pairs {
		snapshot, err := o.marketSvc.GetMarketSnapshot(ctx, pair)
		if err != nil {
			o.monitor.RecordError(ctx, "拉取市场数据失败", err, map[string]interface{}{"symbol": pair.Symbol})
			return err
		}

		pairReport, err := o.reports.Build(ctx, snapshot)
		if err != nil {
			o.monitor.RecordError(ctx, "指标计算失败", err, map[string]interface{}{"symbol": pair.Symbol})
			return err
		}

		sections = append(sections, market.RenderPair(pairReport))
		prices[strings.ToUpper(pair.Symbol)] = pairReport.LastPrice()
	}

	// 4. 组装提示词并并行问询全部顾问。
	prompt, err := oracle.BuildPrompt(oracle.PromptInput{
		StartTime:      o.state.StartTime,
		Invocation:     invocation,
		MarketSections: sections,
		AccountSection: market.RenderAccount(account, o.book.Snapshot()),
		Bounds:         o.bounds,
		Threshold:      o.cfg.Trading.ConfidenceThreshold,
	})
	if err != nil {
		return err
	}

	oracleReports := o.panel.QueryAll(ctx, prompt)

	// 5. 共识裁决。
	decisions, audit, err := o.aggregator.Aggregate(oracleReports)
	report.Responders = audit.Responders
	report.NonVoting = audit.NonVoting
	if err != nil {
		if errors.Is(err, decision.ErrNoOracleResponded) {
			o.monitor.RecordError(ctx, "本周期无任何顾问应答", err, nil)
			report.Errors = append(report.Errors, err.Error())
			o.finishCycle(ctx, &report)
			return err
		}
		return err
	}

	decisionList := make([]decision.AggregatedDecision, 0, len(decisions))
	for _, d := range decisions {
		decisionList = append(decisionList, d)
	}
	report.Decisions = decisionList
	o.monitor.RecordAggregation(ctx, decisionList, audit)

	// 6. 各交易对独立走风控与执行，互不阻塞。
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, d := range decisionList {
		lastPrice, known := prices[strings.ToUpper(d.Symbol)]
		if !known {
			o.logger.Warn("共识决策包含未配置的交易对，跳过",
				zap.String("symbol", d.Symbol),
			)
			mu.Lock()
			report.Errors = append(report.Errors, fmt.Sprintf("未配置的交易对: %s", d.Symbol))
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(d decision.AggregatedDecision, lastPrice float64) {
			defer wg.Done()

			verdict, result, executed := o.applyDecision(ctx, d, account.TotalEquity, lastPrice)

			mu.Lock()
			report.Verdicts = append(report.Verdicts, verdict)
			if executed {
				report.Results = append(report.Results, result)
			}
			mu.Unlock()
		}(d, lastPrice)
	}
	wg.Wait()

	o.finishCycle(ctx, &report)
	return nil
}

// applyDecision 对单条决策执行风控裁定与订单执行。
func (o *orchestrator) applyDecision(ctx context.Context, d decision.AggregatedDecision, equity, lastPrice float64) (risk.Verdict, execution.Result, bool) {
	var posPtr *ledger.Position
	if pos, ok := o.book.Get(d.Symbol); ok {
		posPtr = &pos
	}

	verdict := o.gate.Check(d, posPtr)
	o.monitor.RecordRiskVerdict(ctx, d, verdict)

	if !verdict.Allowed || d.Action == decision.ActionHold {
		return verdict, execution.Result{}, false
	}

	guard, err := o.book.Begin(d.Symbol)
	if err != nil {
		result := execution.Result{
			Symbol:  d.Symbol,
			Action:  d.Action,
			Failure: execution.FailureExchangeCall,
			Error:   err.Error(),
		}
		o.monitor.RecordExecution(ctx, d, result)
		return verdict, result, true
	}
	defer guard.Release()

	// 执行过程不响应取消信号，保证动作走到安全终态。
	result := o.executor.Apply(noCancel(ctx), d, guard, equity, lastPrice)
	o.monitor.RecordExecution(ctx, d, result)
	return verdict, result, true
}

func (o *orchestrator) finishCycle(ctx context.Context, report *cycleReport) {
	report.FinishedAt = time.Now().UTC()
	o.monitor.RecordCycleReport(ctx, *report)

	o.logger.Info("决策周期结束",
		zap.Int64("invocation", report.Invocation),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		zap.Int("decisions", len(report.Decisions)),
		zap.Int("results", len(report.Results)),
		zap.Strings("non_voting", report.NonVoting),
	)
}

func livePositions(details []exchange.PositionDetail) []ledger.Position {
	out := make([]ledger.Position, 0, len(details))
	for _, d := range details {
		direction := decision.DirectionLong
		if d.Quantity < 0 {
			direction = decision.DirectionShort
		}
		out = append(out, ledger.Position{
			Symbol:        d.Symbol,
			Quantity:      d.Quantity,
			EntryPrice:    d.EntryPrice,
			Leverage:      d.Leverage,
			UnrealizedPnl: d.UnrealizedPnl,
			StopOrderID:   d.StopOrderID,
			TakeProfitID:  d.TakeProfitID,
			Direction:     direction,
		})
	}
	return out
}

func noCancel(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
