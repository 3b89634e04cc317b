package types

// CompletionOptions carries the generation parameters that influence
// provider output. Only fields that change the produced text belong here;
// they participate in completion cache keys.
type CompletionOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Completion is the unified result of a completion request, whatever
// provider produced it.
type Completion struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Content  string `json:"content"`
	Created  int64  `json:"created"`
	Usage    *Usage `json:"usage,omitempty"`

	// Cached marks results served from the completion cache rather than
	// a live provider call.
	Cached bool `json:"cached,omitempty"`
}

// Usage contains token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one increment of a streamed completion. The terminal
// chunk has Done set; its Content may be empty.
type StreamChunk struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}
