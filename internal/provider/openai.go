package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/types"
)

const (
	// OpenAIName identifies the OpenAI-compatible provider.
	OpenAIName = "openai"

	// DefaultBaseURL is the default API endpoint. Any chat-completions
	// compatible server works via WithBaseURL.
	DefaultBaseURL = "https://api.openai.com/v1"

	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
)

// OpenAI adapts an OpenAI-compatible chat completions API.
type OpenAI struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// OpenAIOption configures the adapter.
type OpenAIOption func(*OpenAI)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) OpenAIOption {
	return func(p *OpenAI) { p.apiKey = key }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(p *OpenAI) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithModel sets the model requested from the API.
func WithModel(model string) OpenAIOption {
	return func(p *OpenAI) {
		if model != "" {
			p.model = model
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAI) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithTimeout sets the request timeout on the default client.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(p *OpenAI) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// NewOpenAI creates the adapter with the given options.
func NewOpenAI(opts ...OpenAIOption) *OpenAI {
	p := &OpenAI{
		baseURL:    DefaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Provider.
func (p *OpenAI) Name() string { return OpenAIName }

// Available implements Provider; the adapter is usable once it has a key.
func (p *OpenAI) Available() bool { return p.apiKey != "" }

// Capabilities implements Provider.
func (p *OpenAI) Capabilities() Capabilities { return Capabilities{Streaming: true} }

// Wire types for the chat completions endpoint. Only the fields this
// service uses are mapped.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type streamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *OpenAI) buildRequest(ctx context.Context, messages []types.Message, opts types.CompletionOptions, stream bool) (*http.Request, error) {
	req := chatRequest{
		Model:       p.model,
		Messages:    make([]chatMessage, 0, len(messages)),
		Stream:      stream,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(p.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	return httpReq, nil
}

// apiError summarizes a non-2xx response without dumping the whole body.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return fmt.Errorf("api error (status %d, type %s): %s", resp.StatusCode, parsed.Error.Type, parsed.Error.Message)
	}
	return fmt.Errorf("api error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// Generate implements Provider.
func (p *OpenAI) Generate(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (*types.Completion, error) {
	httpReq, err := p.buildRequest(ctx, messages, opts, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling chat completions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	completion := &types.Completion{
		ID:       parsed.ID,
		Provider: OpenAIName,
		Model:    parsed.Model,
		Content:  parsed.Choices[0].Message.Content,
		Created:  parsed.Created,
	}
	if completion.ID == "" {
		completion.ID = "cmpl-" + uuid.NewString()
	}
	if completion.Created == 0 {
		completion.Created = time.Now().Unix()
	}
	if parsed.Usage != nil {
		completion.Usage = &types.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return completion, nil
}

// Stream implements Provider. The returned stream parses the SSE response
// incrementally; cancellation of ctx tears the connection down.
func (p *OpenAI) Stream(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (Stream, error) {
	httpReq, err := p.buildRequest(ctx, messages, opts, true)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling chat completions: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 4096), 4096*16)
	return &openaiStream{body: resp.Body, scanner: scanner}, nil
}

// openaiStream consumes "data:" SSE frames until the [DONE] terminator.
type openaiStream struct {
	mu      sync.Mutex
	body    io.ReadCloser
	scanner *bufio.Scanner
	id      string
	done    bool
}

// Next returns the next content chunk. The [DONE] terminator (or the body
// ending) yields one chunk with Done set, then io.EOF forever after.
func (s *openaiStream) Next() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			return &types.StreamChunk{ID: s.id, Done: true}, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, fmt.Errorf("decoding stream chunk: %w", err)
		}
		if s.id == "" {
			s.id = chunk.ID
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return &types.StreamChunk{ID: chunk.ID, Content: chunk.Choices[0].Delta.Content}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}

	// Body ended without [DONE]; still deliver a terminal chunk so
	// consumers always see Done exactly once.
	s.done = true
	return &types.StreamChunk{ID: s.id, Done: true}, nil
}

// Close releases the underlying connection.
func (s *openaiStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	return s.body.Close()
}
