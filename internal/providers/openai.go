package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// OpenAIOptions configures an OpenAI-compatible provider.
type OpenAIOptions struct {
	Name              string // provider key, default "openai"
	BaseURL           string // default https://api.openai.com/v1
	APIKey            string
	RequestsPerMinute float64 // 0 = unlimited
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60.0), 1)
	}

	return &OpenAIProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  opts.APIKey,
		limiter: limiter,
		httpClient: &http.Client{
			// No global timeout: streaming responses can run for minutes.
			// Callers bound each request with a context.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// --- wire types ---

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	Index    *int       `json:"index,omitempty"`
	ID       string     `json:"id,omitempty"`
	Type     string     `json:"type,omitempty"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaRequest struct {
	Model       string           `json:"model"`
	Messages    []oaMessage      `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type oaChoice struct {
	Message      *oaMessage `json:"message,omitempty"`
	Delta        *oaDelta   `json:"delta,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type oaDelta struct {
	Content          string       `json:"content,omitempty"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	ToolCalls        []oaToolCall `json:"tool_calls,omitempty"`
}

type oaResponse struct {
	Choices []oaChoice `json:"choices"`
	Usage   *Usage     `json:"usage,omitempty"`
	Error   *oaError   `json:"error,omitempty"`
}

type oaError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func buildOARequest(req ChatRequest, stream bool) oaRequest {
	out := oaRequest{
		Model:       req.Model,
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		om := oaMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, oaToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: oaFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out.Messages = append(out.Messages, om)
	}
	return out
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body oaRequest) (io.ReadCloser, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: HTTP %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.Body, nil
}

// Chat implements the non-streaming path.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := p.doRequest(ctx, buildOARequest(req, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var parsed oaResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%s: %s: %s", p.name, parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", p.name)
	}

	choice := parsed.Choices[0]
	result := &ChatResponse{FinishReason: choice.FinishReason, Usage: parsed.Usage}
	if result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	if choice.Message != nil {
		result.Content = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return result, nil
}

// StreamChat implements the streaming path. Tool-call fragments are
// forwarded unassembled: the first fragment for a call carries id+name,
// later fragments carry only an arguments chunk.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req ChatRequest, onChunk func(Chunk)) error {
	body, err := p.doRequest(ctx, buildOARequest(req, true))
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev oaResponse
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if ev.Error != nil {
			return fmt.Errorf("%s stream error: %s: %s", p.name, ev.Error.Type, ev.Error.Message)
		}
		if len(ev.Choices) == 0 {
			continue
		}

		choice := ev.Choices[0]
		chunk := Chunk{FinishReason: choice.FinishReason}
		if choice.Delta != nil {
			chunk.Content = choice.Delta.Content
			chunk.Reasoning = choice.Delta.ReasoningContent
			for _, tc := range choice.Delta.ToolCalls {
				chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
					ID:                tc.ID,
					Type:              tc.Type,
					Name:              tc.Function.Name,
					ArgumentsFragment: tc.Function.Arguments,
				})
			}
		}
		if chunk.Content != "" || chunk.Reasoning != "" || len(chunk.ToolCalls) > 0 || chunk.FinishReason != "" {
			onChunk(chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s stream read: %w", p.name, err)
	}
	return nil
}
