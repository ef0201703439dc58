package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/inference"
)

const objectTextCompletion = "text_completion"

func (s *Server) handleCompletions(c *echo.Context) error {
	body, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	req, err := s.toInferenceRequest(body)
	if err != nil {
		return writeEngineError(c, err)
	}
	eng, err := s.provider.Engine(c.Request().Context(), body.Model)
	if err != nil {
		return writeEngineError(c, err)
	}

	id := "cmpl-" + uuid.NewString()
	created := s.clock().Unix()
	name := body.Model
	if name == "" {
		name = eng.Config().Name
	}
	if body.Stream {
		return s.streamCompletion(c, eng, req, id, created, name)
	}

	res, err := eng.Generate(c.Request().Context(), req, nil)
	if err != nil {
		return writeEngineError(c, err)
	}
	finish := finishReason(res.StopReason)
	return writeJSON(c, http.StatusOK, CompletionResponse{
		ID:      id,
		Object:  objectTextCompletion,
		Created: created,
		Model:   name,
		Choices: []CompletionChoice{{
			Text:         res.Text,
			Tokens:       res.Tokens,
			FinishReason: &finish,
		}},
		Usage:   usage(res.Stats),
		Timings: timings(res.Stats),
	})
}

func (s *Server) streamCompletion(c *echo.Context, eng Engine, req inference.Request, id string, created int64, name string) error {
	sse, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
	chunk := func(text string, tokens []int) CompletionResponse {
		return CompletionResponse{
			ID:      id,
			Object:  objectTextCompletion,
			Created: created,
			Model:   name,
			Choices: []CompletionChoice{{Text: text, Tokens: tokens}},
		}
	}

	var sendErr error
	res, err := eng.Generate(c.Request().Context(), req, func(tok int, fragment string) bool {
		sendErr = sse.Send(chunk(fragment, []int{tok}))
		return sendErr == nil
	})
	if err != nil {
		if !sse.Started() {
			return writeEngineError(c, err)
		}
		s.log.Warn("stream ended with error", "id", id, "error", err)
	}
	if sendErr != nil {
		s.log.Debug("stream client gone", "id", id, "error", sendErr)
		return nil
	}

	last := chunk("", nil)
	finish := finishReason(res.StopReason)
	last.Choices[0].FinishReason = &finish
	last.Usage = usage(res.Stats)
	last.Timings = timings(res.Stats)
	if err := sse.Send(last); err != nil {
		return nil
	}
	return sse.Done()
}

func (s *Server) toInferenceRequest(body CompletionRequest) (inference.Request, error) {
	stop, err := parseStop(body.Stop)
	if err != nil {
		return inference.Request{}, err
	}
	if body.Prompt == "" && len(body.PromptTokens) == 0 {
		return inference.Request{}, newInvalidRequest("prompt is required")
	}
	if body.MaxTokens != nil && *body.MaxTokens < 0 {
		return inference.Request{}, newInvalidRequest("max_tokens must not be negative")
	}
	return inference.ResolveRequest(inference.RequestOptions{
		Prompt:        body.Prompt,
		PromptTokens:  body.PromptTokens,
		MaxNewTokens:  body.MaxTokens,
		Seed:          body.Seed,
		Temperature:   body.Temperature,
		TopK:          body.TopK,
		TopP:          body.TopP,
		RepeatPenalty: body.RepeatPenalty,
		RepeatLastN:   body.RepeatLastN,
		Stop:          stop,
		ReuseSession:  body.CachePrompt,
	}, s.defaults), nil
}

// finishReason maps stop reasons onto the OpenAI vocabulary.
func finishReason(r inference.StopReason) string {
	switch r {
	case inference.StopLength, inference.StopContext:
		return "length"
	case inference.StopCancelled:
		return "cancelled"
	default:
		return "stop"
	}
}

func usage(st inference.Stats) *CompletionUsage {
	return &CompletionUsage{
		PromptTokens:     st.PromptTokens + st.CachedTokens,
		CachedTokens:     st.CachedTokens,
		CompletionTokens: st.GeneratedTokens,
		TotalTokens:      st.PromptTokens + st.CachedTokens + st.GeneratedTokens,
	}
}

func timings(st inference.Stats) *Timings {
	return &Timings{
		PromptMS:        float64(st.PromptDuration.Microseconds()) / 1000,
		GenerationMS:    float64(st.GenerationDuration.Microseconds()) / 1000,
		TokensPerSecond: st.TPS,
	}
}
