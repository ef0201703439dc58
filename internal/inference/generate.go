package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tokenizer"
)

// Forwarder runs forward passes of a loaded model over a session.
type Forwarder interface {
	Config() model.Config
	Evaluate(sess *session.Session, batch model.Batch) ([]float32, error)
}

// Bind makes a Forwarder of m that executes on threads workers and holds
// lease, which may be nil, during each pass.
func Bind(m model.Model, threads int, lease model.Leaser) Forwarder {
	return bound{m: m, threads: threads, lease: lease}
}

type bound struct {
	m       model.Model
	threads int
	lease   model.Leaser
}

func (b bound) Config() model.Config { return b.m.Config() }

func (b bound) Evaluate(sess *session.Session, batch model.Batch) ([]float32, error) {
	return model.Evaluate(b.m, sess, batch, b.threads, b.lease)
}

var errEmptyPrompt = errors.New("inference: empty prompt")

// Generate evaluates the prompt on sess and then samples tokens until a stop
// condition holds. The prompt continues whatever sess already holds; an
// empty prompt on a non-empty session recomputes the last position and
// continues from there.
//
// Each step forwards the previously delivered token, then samples the next
// one from its logits, so no pass runs after the last token. The final entry
// of Result.Tokens is therefore not in sess when generation ends on the
// length limit, cancellation, a rejecting cb or a full context; it is
// reported in Result.Pending and should lead the next prompt to continue
// the text. Tokens that hit an EOS id or complete a stop sequence end
// generation before cb sees them and are not returned.
//
// The repetition penalty sees this call's prompt and output, or the whole
// session history with req.CarryPenalty. Cancellation of ctx is checked
// between tokens and reported as StopCancelled with a nil error.
func Generate(ctx context.Context, fw Forwarder, sess *session.Session, sampler *logits.Sampler, tok *tokenizer.Tokenizer, req Request, cb Callback) (res Result, err error) {
	prompt, err := promptTokens(tok, sess, req)
	if err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		res.StopReason = StopCancelled
		return res, nil
	}
	windowStart := max(sess.Pos()-req.reused, 0)
	if req.CarryPenalty {
		windowStart = 0
	}
	if len(prompt) == 0 {
		if prompt, err = lastPosition(sess); err != nil {
			return res, err
		}
	}

	start := time.Now()
	out, err := safeEvaluate(fw, sess, model.Batch{Tokens: prompt})
	res.Stats.PromptTokens = len(prompt)
	res.Stats.PromptDuration = time.Since(start)
	if err != nil {
		if errors.Is(err, session.ErrOutOfContext) {
			res.StopReason = StopContext
		}
		return res, fmt.Errorf("evaluate prompt: %w", err)
	}

	recent := logits.NewRecent(req.Sampling.RepeatLastN)
	recent.Push(sess.History()[min(windowStart, sess.Pos()):]...)

	var stops []int
	if tok != nil {
		stops = StopTokens(tok)
	}
	matcher := newStopMatcher(req.StopSequences, req.StopTokenSequences)
	var (
		utf     tokenizer.UTF8Buffer
		text    strings.Builder
		pending = -1
	)
	genStart := time.Now()
	defer func() {
		text.WriteString(utf.Flush())
		res.Text = text.String()
		if pending >= 0 {
			res.Pending = []int{pending}
		}
		res.Stats.GeneratedTokens = len(res.Tokens)
		res.Stats.GenerationDuration = time.Since(genStart)
		res.Stats.finish()
	}()

	for {
		if ctx.Err() != nil {
			res.StopReason = StopCancelled
			return res, nil
		}
		if req.MaxNewTokens >= 0 && len(res.Tokens) >= req.MaxNewTokens {
			res.StopReason = StopLength
			return res, nil
		}
		if pending >= 0 {
			out, err = safeEvaluate(fw, sess, model.Batch{Tokens: []int{pending}})
			if err != nil {
				if errors.Is(err, session.ErrOutOfContext) {
					res.StopReason = StopContext
				}
				return res, fmt.Errorf("evaluate token %d: %w", len(res.Tokens), err)
			}
			pending = -1
		}

		id, err := safeSample(sampler, out, recent.Tokens())
		if err != nil {
			return res, fmt.Errorf("sample: %w", err)
		}
		if slices.Contains(stops, id) {
			res.StopReason = StopEOS
			return res, nil
		}
		piece, err := tokenBytes(tok, id)
		if err != nil {
			return res, err
		}
		hist := sess.History()
		if matcher.matchText(piece) || matcher.matchTokens(append(hist[:len(hist):len(hist)], id)) {
			res.StopReason = StopSequence
			return res, nil
		}

		fragment := utf.Push(piece)
		res.Tokens = append(res.Tokens, id)
		recent.Push(id)
		text.WriteString(fragment)
		pending = id
		if cb != nil && !cb(id, fragment) {
			res.StopReason = StopCancelled
			return res, nil
		}
	}
}

func promptTokens(tok *tokenizer.Tokenizer, sess *session.Session, req Request) ([]int, error) {
	if req.PromptTokens != nil {
		return req.PromptTokens, nil
	}
	if req.Prompt == "" {
		return nil, nil
	}
	if tok == nil {
		return nil, errors.New("inference: text prompt without a tokenizer")
	}
	if sess.Pos() > 0 {
		return tok.EncodeText(req.Prompt)
	}
	return tok.Encode(req.Prompt)
}

// lastPosition rewinds sess by one token and returns that token, so its
// logits can be recomputed.
func lastPosition(sess *session.Session) ([]int, error) {
	pos := sess.Pos()
	hist := sess.History()
	if pos == 0 {
		return nil, errEmptyPrompt
	}
	if len(hist) != pos {
		return nil, fmt.Errorf("inference: session history has %d tokens for %d positions", len(hist), pos)
	}
	last := hist[pos-1]
	if err := sess.Rewind(pos - 1); err != nil {
		return nil, err
	}
	return []int{last}, nil
}

func tokenBytes(tok *tokenizer.Tokenizer, id int) ([]byte, error) {
	if tok == nil {
		return nil, nil
	}
	return tok.TokenBytes(id)
}

func safeEvaluate(fw Forwarder, sess *session.Session, batch model.Batch) (out []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sess.Abort()
			err = fmt.Errorf("panic in forward pass: %v", rec)
		}
	}()
	return fw.Evaluate(sess, batch)
}

func safeSample(s *logits.Sampler, logitsVec []float32, recent []int) (id int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Sample: %v", rec)
		}
	}()
	return s.Sample(logitsVec, recent)
}
