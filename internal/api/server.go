package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/inference"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/metrics"
)

// Server exposes completions, tokenization and model listing over HTTP.
type Server struct {
	provider EngineProvider
	defaults inference.Defaults
	metrics  *metrics.Metrics
	log      logger.Logger
	clock    func() time.Time
}

type ServerOption func(*Server)

// WithDefaults sets the sampling settings a request starts from.
func WithDefaults(d inference.Defaults) ServerOption {
	return func(s *Server) { s.defaults = d }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

func NewServer(provider EngineProvider, opts ...ServerOption) *Server {
	s := &Server{
		provider: provider,
		defaults: inference.DefaultDefaults(),
		log:      logger.Discard(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.handleCompletions)
	e.POST("/v1/tokenize", s.handleTokenize)
	e.POST("/v1/detokenize", s.handleDetokenize)
	e.POST("/v1/embeddings", s.handleEmbeddings)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c *echo.Context) error {
	ids, err := s.provider.ListModels()
	if err != nil {
		return writeEngineError(c, err)
	}
	list := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, ModelInfo{ID: id, Object: "model", OwnedBy: "local"})
	}
	return writeJSON(c, http.StatusOK, list)
}

func (s *Server) handleTokenize(c *echo.Context) error {
	req, err := decodeJSON[TokenizeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	eng, err := s.provider.Engine(c.Request().Context(), req.Model)
	if err != nil {
		return writeEngineError(c, err)
	}
	tok := eng.Tokenizer()
	var ids []int
	if req.AddSpecial {
		ids, err = tok.Encode(req.Content)
	} else {
		ids, err = tok.EncodeText(req.Content)
	}
	if err != nil {
		return writeEngineError(c, err)
	}
	resp := TokenizeResponse{Tokens: ids}
	if req.WithPieces {
		resp.Pieces = make([]string, len(ids))
		for i, id := range ids {
			resp.Pieces[i] = tok.Token(id)
		}
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleEmbeddings(c *echo.Context) error {
	req, err := decodeJSON[EmbeddingsRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Input == "" {
		return writeBadRequest(c, "input is required")
	}
	eng, err := s.provider.Engine(c.Request().Context(), req.Model)
	if err != nil {
		return writeEngineError(c, err)
	}
	rows, err := eng.Embeddings(c.Request().Context(), req.Input)
	if err != nil {
		return writeEngineError(c, err)
	}
	resp := EmbeddingsResponse{Object: "list", Model: req.Model, Data: make([]EmbeddingItem, len(rows))}
	for i, row := range rows {
		resp.Data[i] = EmbeddingItem{Object: "embedding", Index: i, Embedding: row}
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleDetokenize(c *echo.Context) error {
	req, err := decodeJSON[DetokenizeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	eng, err := s.provider.Engine(c.Request().Context(), req.Model)
	if err != nil {
		return writeEngineError(c, err)
	}
	text, err := eng.Tokenizer().Decode(req.Tokens)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	return writeJSON(c, http.StatusOK, DetokenizeResponse{Content: text})
}
