package oracle

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"consensus-trader/internal/decision"
)

const decisionTemplate = `
你是一个专业的加密货币量化交易员，独立管理一个永续合约账户。
系统已运行 {{ .UptimeMinutes }} 分钟，本次为第 {{ .Invocation }} 次决策调用。

## 市场数据
{{ range .MarketSections }}{{ . }}
{{ end }}
## 账户状况
{{ .AccountSection }}
制定决策时请遵循：
1. 结合短周期与长周期指标判断趋势与动量；
2. 每个交易对同一时刻只允许一个仓位，已有仓位不要重复开仓；
3. 开仓必须给出止损价格，多头止损低于入场价，空头止损高于入场价；
4. 杠杆限制在 {{ .MinLeverage }}-{{ .MaxLeverage }} 倍，仓位比例限制在 {{ printf "%.2f" .MinPositionSize }}-{{ printf "%.2f" .MaxPositionSize }}；
5. 信心度低于 {{ printf "%.2f" .ConfidenceThreshold }} 的建议不会被执行，不确定时返回 HOLD；
6. 若预期价格突破关键位后才值得入场，使用 BREAKOUT_BUY / BREAKOUT_SELL 并将触发价填入 entry_price_target。

请严格输出唯一的 JSON 对象，不要添加其他文字：
{
  "analysis": "整体市场分析",
  "trades": [
    {
      "symbol": "BTC/USDT:USDT",
      "action": "OPEN|CLOSE|HOLD|BREAKOUT_BUY|BREAKOUT_SELL",
      "direction": "LONG|SHORT",
      "leverage": {{ .MinLeverage }},
      "position_size_percent": {{ printf "%.2f" .MinPositionSize }},
      "entry_price_target": 0,
      "stop_loss": 0,
      "confidence": 0.0,
      "reason": "该交易对的具体理由"
    }
  ]
}

注意事项：
- trades 必须覆盖上面列出的每一个交易对，不操作的填 HOLD。
- CLOSE 与 HOLD 不需要 direction、杠杆与价格字段。
- confidence 取值范围 0.1-1.0。
`

var promptTmpl = template.Must(template.New("decision").Parse(decisionTemplate))

// PromptInput 汇总渲染提示词所需的全部上下文。
type PromptInput struct {
	StartTime      time.Time
	Invocation     int64
	MarketSections []string
	AccountSection string
	Bounds         decision.Bounds
	Threshold      float64
}

// BuildPrompt 渲染提示词。同一周期内所有顾问模型收到完全相同的内容。
func BuildPrompt(input PromptInput) (string, error) {
	uptime := time.Since(input.StartTime).Minutes()
	if uptime < 0 {
		uptime = 0
	}

	data := struct {
		UptimeMinutes       string
		Invocation          int64
		MarketSections      []string
		AccountSection      string
		MinLeverage         int
		MaxLeverage         int
		MinPositionSize     float64
		MaxPositionSize     float64
		ConfidenceThreshold float64
	}{
		UptimeMinutes:       fmt.Sprintf("%.0f", uptime),
		Invocation:          input.Invocation,
		MarketSections:      input.MarketSections,
		AccountSection:      input.AccountSection,
		MinLeverage:         input.Bounds.MinLeverage,
		MaxLeverage:         input.Bounds.MaxLeverage,
		MinPositionSize:     input.Bounds.MinPositionSize,
		MaxPositionSize:     input.Bounds.MaxPositionSize,
		ConfidenceThreshold: input.Threshold,
	}

	var buf bytes.Buffer
	if err := promptTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}

	return strings.TrimSpace(buf.String()) + "\n", nil
}
