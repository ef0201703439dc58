package api

// CompletionRequest is an OpenAI-style text completion request with the
// sampling knobs of the engine.
type CompletionRequest struct {
	Model string `json:"model,omitempty"`
	// Prompt is text; PromptTokens, when set, is used instead.
	Prompt       string `json:"prompt"`
	PromptTokens []int  `json:"prompt_tokens,omitempty"`

	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float32 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty"`
	RepeatLastN   *int     `json:"repeat_last_n,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	// Stop is a string or an array of strings.
	Stop any `json:"stop,omitempty"`

	Stream bool `json:"stream,omitempty"`
	// CachePrompt reuses the engine's shared session.
	CachePrompt bool `json:"cache_prompt,omitempty"`
}

type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *CompletionUsage   `json:"usage,omitempty"`
	Timings *Timings           `json:"timings,omitempty"`
}

type CompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	Tokens       []int   `json:"tokens,omitempty"`
	FinishReason *string `json:"finish_reason"`
}

type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Timings struct {
	PromptMS        float64 `json:"prompt_ms"`
	GenerationMS    float64 `json:"generation_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

type TokenizeRequest struct {
	Model   string `json:"model,omitempty"`
	Content string `json:"content"`
	// AddSpecial prepends BOS when the model uses one.
	AddSpecial bool `json:"add_special,omitempty"`
	WithPieces bool `json:"with_pieces,omitempty"`
}

type TokenizeResponse struct {
	Tokens []int    `json:"tokens"`
	Pieces []string `json:"pieces,omitempty"`
}

type DetokenizeRequest struct {
	Model  string `json:"model,omitempty"`
	Tokens []int  `json:"tokens"`
}

type DetokenizeResponse struct {
	Content string `json:"content"`
}

type EmbeddingsRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

// EmbeddingsResponse holds one final hidden row per prompt token.
type EmbeddingsResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []EmbeddingItem `json:"data"`
}

type EmbeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type ErrorBody struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
