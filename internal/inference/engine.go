package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/metrics"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tokenizer"
	"github.com/samcharles93/strata/pkg/mcf"
)

type Options struct {
	// Threads bounds the graph executor; 0 uses GOMAXPROCS.
	Threads int
	// ContextLength shrinks the session context below the model's.
	ContextLength int
	// MaxConcurrent bounds concurrent generations; 0 means one.
	MaxConcurrent int
	// Strict makes prompts with unknown bytes fail.
	Strict bool
	// AddBOS overrides the file's tokenizer.add_bos setting.
	AddBOS *bool

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Engine ties a loaded model file to its tokenizer and serves generations.
// It is safe for concurrent use; each generation owns its session unless it
// asks for the shared one.
type Engine struct {
	file    *mcfstore.File
	model   model.Model
	tok     *tokenizer.Tokenizer
	cfg     model.Config
	threads int
	log     logger.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted

	mu     sync.Mutex
	shared *session.Session
}

// Load opens the model at path and binds it through reg.
func Load(path string, reg *model.Registry, opts Options) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	start := time.Now()
	f, err := mcfstore.Open(path)
	if err != nil {
		return nil, err
	}
	cleanup := func(err error) (*Engine, error) {
		_ = f.Close()
		return nil, err
	}

	m, err := reg.Load(f)
	if err != nil {
		return cleanup(err)
	}
	tok, err := tokenizer.New(f.Vocabulary(), f.Hyperparams(), tokenizer.Options{
		Strict: opts.Strict,
		AddBOS: addBOS(f, opts.AddBOS),
	})
	if err != nil {
		return cleanup(err)
	}
	cfg := m.Config()
	if cfg.VocabSize != tok.VocabSize() {
		return cleanup(fmt.Errorf("model has %d output logits but the vocabulary has %d tokens", cfg.VocabSize, tok.VocabSize()))
	}
	if opts.ContextLength > 0 && opts.ContextLength < cfg.ContextLength {
		cfg.ContextLength = opts.ContextLength
	}

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	maxConcurrent := max(opts.MaxConcurrent, 1)

	e := &Engine{
		file:    f,
		model:   m,
		tok:     tok,
		cfg:     cfg,
		threads: threads,
		log:     log.With("arch", cfg.Arch),
		metrics: opts.Metrics,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
	e.log.Info("model loaded",
		"path", path,
		"layers", cfg.Layers,
		"embedding", cfg.Embedding,
		"heads", cfg.Heads,
		"vocab", cfg.VocabSize,
		"context", cfg.ContextLength,
		"mapped", f.Mapped(),
		"threads", threads,
		"took", time.Since(start),
	)
	return e, nil
}

// addBOS prefers an explicit override, then the file, then the family
// convention: only llama vocabularies expect a leading BOS.
func addBOS(f *mcfstore.File, override *bool) bool {
	if override != nil {
		return *override
	}
	if v, ok := f.Hyperparams().Bool(mcf.KeyAddBOS); ok {
		return v
	}
	return f.Arch() == "llama"
}

func (e *Engine) Config() model.Config            { return e.cfg }
func (e *Engine) Tokenizer() *tokenizer.Tokenizer { return e.tok }
func (e *Engine) File() *mcfstore.File            { return e.file }

// NewSession allocates a session sized for the engine's context.
func (e *Engine) NewSession() (*session.Session, error) {
	return e.cfg.NewSession()
}

// Evaluate runs one forward pass while holding a lease on the weights.
func (e *Engine) Evaluate(sess *session.Session, batch model.Batch) ([]float32, error) {
	start := time.Now()
	out, err := model.Evaluate(e.model, sess, batch, e.threads, e.file)
	if err != nil {
		return nil, err
	}
	phase := metrics.PhaseDecode
	if len(batch.Tokens) > 1 {
		phase = metrics.PhasePrompt
	}
	e.metrics.ObserveForward(phase, len(batch.Tokens), sess.Pos(), time.Since(start))
	return out, nil
}

// Embeddings evaluates text on a fresh session and returns the final normed
// hidden state of each of its tokens, Config().Embedding values per row.
func (e *Engine) Embeddings(ctx context.Context, text string) ([][]float32, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	ids, err := e.tok.Encode(text)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errEmptyPrompt
	}
	sess, err := e.NewSession()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ev, err := model.EvaluateAll(e.model, sess, model.Batch{Tokens: ids, Embeddings: true}, e.threads, e.file)
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	e.metrics.ObserveForward(metrics.PhasePrompt, len(ids), sess.Pos(), time.Since(start))

	width := e.cfg.Embedding
	rows := make([][]float32, len(ids))
	for i := range rows {
		rows[i] = ev.Embeddings[i*width : (i+1)*width : (i+1)*width]
	}
	return rows, nil
}

// Generate runs req on a fresh session, or on the shared session when
// req.ReuseSession is set. With the shared session the prompt is the whole
// transcript: the prefix it shares with the session history is kept and
// only the rest is evaluated.
func (e *Engine) Generate(ctx context.Context, req Request, cb Callback) (Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{StopReason: StopCancelled}, nil
	}
	defer e.sem.Release(1)
	defer e.metrics.Begin()()

	var (
		sess   *session.Session
		cached int
		err    error
	)
	if req.ReuseSession {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sess, cached, req, err = e.prepareShared(req); err != nil {
			return Result{}, err
		}
	} else if sess, err = e.NewSession(); err != nil {
		return Result{}, err
	}

	res, err := Generate(ctx, e, sess, logits.NewSampler(req.Sampling), e.tok, req, cb)
	res.Stats.CachedTokens = cached
	if res.StopReason != "" {
		e.metrics.ObserveGeneration(string(res.StopReason), len(res.Tokens))
	}
	e.log.Debug("generation finished",
		"stop", res.StopReason,
		"prompt_tokens", res.Stats.PromptTokens,
		"cached_tokens", cached,
		"generated", res.Stats.GeneratedTokens,
		"prompt_time", res.Stats.PromptDuration,
		"tps", res.Stats.TPS,
	)
	return res, err
}

// prepareShared rewinds the shared session to the longest prefix it shares
// with the prompt and narrows req to the remainder. e.mu must be held.
func (e *Engine) prepareShared(req Request) (*session.Session, int, Request, error) {
	if e.shared == nil {
		sess, err := e.NewSession()
		if err != nil {
			return nil, 0, req, err
		}
		e.shared = sess
	}
	ids := req.PromptTokens
	if ids == nil {
		var err error
		if ids, err = e.tok.Encode(req.Prompt); err != nil {
			return nil, 0, req, err
		}
	}
	if len(ids) == 0 {
		return nil, 0, req, errEmptyPrompt
	}
	hist := e.shared.History()
	n := 0
	for n < len(ids) && n < len(hist) && ids[n] == hist[n] {
		n++
	}
	// The last prompt position is always evaluated so its logits are fresh.
	if n == len(ids) {
		n--
	}
	if err := e.shared.Rewind(n); err != nil {
		return nil, 0, req, err
	}
	req.Prompt = ""
	req.PromptTokens = ids[n:len(ids):len(ids)]
	req.reused = n
	return e.shared, n, req, nil
}

// ResetSession drops the shared session's contents.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shared != nil {
		e.shared.Reset()
	}
}

// Perplexity scores text as exp of the mean negative log-likelihood of each
// token given the ones before it. The text is split into independent chunks
// of at most chunk tokens; chunk <= 0 uses the context length.
func (e *Engine) Perplexity(ctx context.Context, text string, chunk int) (float64, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer e.sem.Release(1)

	ids, err := e.tok.Encode(text)
	if err != nil {
		return 0, err
	}
	if chunk <= 0 || chunk > e.cfg.ContextLength {
		chunk = e.cfg.ContextLength
	}
	sess, err := e.NewSession()
	if err != nil {
		return 0, err
	}
	vocab := e.cfg.VocabSize
	var (
		nll   float64
		count int
	)
	for start := 0; start < len(ids); start += chunk {
		toks := ids[start:min(start+chunk, len(ids))]
		if len(toks) < 2 {
			break
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		sess.Reset()
		out, err := e.Evaluate(sess, model.Batch{Tokens: toks, AllLogits: true})
		if err != nil {
			return 0, fmt.Errorf("perplexity chunk at token %d: %w", start, err)
		}
		for i := 0; i+1 < len(toks); i++ {
			row := out[i*vocab : (i+1)*vocab]
			nll += logSumExp(row) - float64(row[toks[i+1]])
			count++
		}
	}
	if count == 0 {
		return 0, errors.New("perplexity needs at least two tokens")
	}
	return math.Exp(nll / float64(count)), nil
}

func logSumExp(row []float32) float64 {
	m := math.Inf(-1)
	for _, v := range row {
		m = math.Max(m, float64(v))
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - m)
	}
	return m + math.Log(sum)
}

// Close waits for in-flight passes and unmaps the file.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	e.shared = nil
	e.mu.Unlock()
	return e.file.Close()
}
