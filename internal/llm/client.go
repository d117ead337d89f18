package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"aitrader/pkg/utils"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// systemPrompt задаёт модели роль и формат ответа. Модель обязана
// вернуть единственный JSON-объект: reasoning + toolCalls.
const systemPrompt = `You are an autonomous perpetual futures trading agent.
Each message contains a JSON snapshot of the current tick: account state,
open positions with PnL, configured symbols and recent risk actions.

Available tools:
- analyzeOpeningOpportunities {"symbols": [...]} - score candidate entries
- openPosition {"symbol", "side", "notionalUsdt", "leverage"} - open a market position
- closePosition {"symbol", "side", "reason"} - close an open position
- checkPartialTakeProfitOpportunity {"symbol", "side"} - inspect the next partial target
- executePartialTakeProfit {"symbol", "side"} - take the next partial profit
- updateTrailingStop {"symbol", "side", "newStop"} - advance the stop (0 = by tiers)

Opening a position requires calling analyzeOpeningOpportunities first in the
same response; only candidates at or above the score floor are accepted.

Respond with a single JSON object, nothing else:
{"reasoning": "...", "toolCalls": [{"name": "...", "args": {...}}]}
An empty toolCalls array is a valid decision.`

// ClientConfig - настройки HTTP-клиента модели
type ClientConfig struct {
	APIURL      string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// DefaultClientConfig возвращает настройки по умолчанию
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		APIURL:      "https://api.openai.com/v1/chat/completions",
		Model:       "gpt-4o",
		MaxTokens:   2048,
		Temperature: 0.2,
		Timeout:     120 * time.Second,
		MaxRetries:  2,
	}
}

// Client - Decider поверх OpenAI-совместимого chat completions API
type Client struct {
	cfg    ClientConfig
	client *http.Client
	logger *utils.Logger
}

// NewClient создает клиента модели
func NewClient(cfg ClientConfig, logger *utils.Logger) *Client {
	if logger == nil {
		logger = utils.L()
	}
	logger = logger.WithComponent("llm")
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultClientConfig().APIURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultClientConfig().Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientConfig().Timeout
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// ============================================================
// Wire-типы chat completions API
// ============================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Decide отправляет контекст тика модели и разбирает её ответ.
// Повторяет запрос при 429 и 5xx с линейной задержкой.
func (c *Client) Decide(ctx context.Context, prompt string) (*Decision, error) {
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:      c.cfg.MaxTokens,
		Temperature:    c.cfg.Temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 2 * time.Second
			c.logger.Warn("retrying llm request",
				utils.Int("attempt", attempt),
				utils.Duration("delay", delay),
				utils.Err(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		decision, retryable, err := c.doRequest(ctx, payload)
		if err == nil {
			return decision, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

// doRequest выполняет один запрос к API. Второе возвращаемое значение
// показывает, имеет ли смысл повтор.
func (c *Client) doRequest(ctx context.Context, payload []byte) (*Decision, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read llm response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("llm API returned status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("failed to parse llm response: %w", err)
	}
	if parsed.Error != nil {
		return nil, false, fmt.Errorf("llm API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, false, fmt.Errorf("llm response contains no choices")
	}

	decision, err := ParseDecision(parsed.Choices[0].Message.Content)
	if err != nil {
		return nil, false, err
	}

	c.logger.Debug("llm decision received",
		utils.Int("toolCalls", len(decision.ToolCalls)),
		utils.String("finishReason", parsed.Choices[0].FinishReason))
	return decision, false, nil
}

// ParseDecision разбирает содержимое ответа модели в Decision.
// Терпим к обрамлению markdown-блоком кода.
func ParseDecision(content string) (*Decision, error) {
	content = stripCodeFence(content)

	var decision Decision
	if err := json.UnmarshalFromString(content, &decision); err != nil {
		return nil, fmt.Errorf("failed to parse decision JSON: %w", err)
	}
	return &decision, nil
}

// stripCodeFence убирает ```json ... ``` обёртку, если модель её добавила
func stripCodeFence(s string) string {
	start := 0
	for start < len(s) && (s[start] == ' ' || s[start] == '\n' || s[start] == '\t' || s[start] == '\r') {
		start++
	}
	if start+3 > len(s) || s[start:start+3] != "```" {
		return s
	}
	// пропускаем первую строку ограждения
	i := start + 3
	for i < len(s) && s[i] != '\n' {
		i++
	}
	body := s[i:]
	if end := lastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body
}

func lastIndex(s, sub string) int {
	for i := len(s) - len(sub); i >= 0; i-- {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ============================================================
// Отключенный режим
// ============================================================

// Disabled - Decider без модели: каждый тик возвращает пустое решение.
// Риск-движок и триггеры продолжают вести уже открытые позиции.
type Disabled struct{}

// Decide возвращает решение без tool calls
func (Disabled) Decide(ctx context.Context, prompt string) (*Decision, error) {
	return &Decision{Reasoning: "llm disabled, holding"}, nil
}
