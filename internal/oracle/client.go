package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"consensus-trader/internal/config"
	"consensus-trader/internal/decision"
)

// Client 封装单个顾问模型的调用逻辑。
type Client struct {
	cfg    config.OracleConfig
	bounds decision.Bounds
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建顾问客户端。
func NewClient(cfg config.OracleConfig, bounds decision.Bounds, logger *zap.Logger) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("oracle name 不能为空")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oracle %s api_key 不能为空", cfg.Name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("oracle %s model 不能为空", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		bounds: bounds,
		logger: logger.With(zap.String("oracle", cfg.Name)),
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// Name 返回顾问标识。
func (c *Client) Name() string {
	return c.cfg.Name
}

// Query 发送提示词并解析交易建议。任何一条建议非法会导致整组建议被拒绝，
// 该顾问在本周期按未响应处理。
func (c *Client) Query(ctx context.Context, prompt string) (decision.ProposalSet, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	response, err := c.sdk.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return decision.ProposalSet{}, "", fmt.Errorf("调用顾问模型失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return decision.ProposalSet{}, "", errors.New("顾问模型返回结果为空")
	}

	raw := strings.TrimSpace(response.Choices[0].Message.Content)
	if raw == "" {
		return decision.ProposalSet{}, "", errors.New("顾问模型返回内容为空")
	}

	set, err := c.parseProposalSet(raw)
	if err != nil {
		c.logger.Error("解析顾问建议失败",
			zap.Error(err),
			zap.String("raw_content", truncate(raw, 2000)),
		)
		return decision.ProposalSet{}, raw, err
	}

	c.logger.Info("顾问建议解析成功",
		zap.Int("trades", len(set.Trades)),
	)

	return set, raw, nil
}

func (c *Client) parseProposalSet(content string) (decision.ProposalSet, error) {
	payload, err := extractJSON(stripFences(content))
	if err != nil {
		return decision.ProposalSet{}, err
	}

	var set decision.ProposalSet
	if err = json.Unmarshal(payload, &set); err != nil {
		return decision.ProposalSet{}, fmt.Errorf("%w: 解析建议JSON失败: %v", ErrInvalidProposal, err)
	}

	if len(set.Trades) == 0 {
		return decision.ProposalSet{}, fmt.Errorf("%w: 建议中不包含任何交易", ErrInvalidProposal)
	}

	for i := range set.Trades {
		if err = set.Trades[i].Normalize(); err != nil {
			return decision.ProposalSet{}, fmt.Errorf("%w: trades[%d]: %v", ErrInvalidProposal, i, err)
		}
		if err = set.Trades[i].Validate(c.bounds); err != nil {
			return decision.ProposalSet{}, fmt.Errorf("%w: trades[%d]: %v", ErrInvalidProposal, i, err)
		}
	}

	return set, nil
}

// ErrInvalidProposal 表示顾问输出无法通过结构或边界校验。
var ErrInvalidProposal = errors.New("oracle: 建议校验失败")

// stripFences 去除模型输出中可能包裹JSON的markdown代码块标记。
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}

	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	if idx := strings.LastIndex(content, "```"); idx >= 0 {
		content = content[:idx]
	}
	return strings.TrimSpace(content)
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("%w: 输出中未找到有效JSON", ErrInvalidProposal)
	}

	return []byte(content[start : end+1]), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
