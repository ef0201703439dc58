package inference

import (
	"time"

	"github.com/samcharles93/strata/internal/logits"
)

// RequestOptions holds the optional settings of a CLI or API request; nil
// fields take the value from Defaults.
type RequestOptions struct {
	Prompt       string
	PromptTokens []int

	MaxNewTokens *int
	Seed         *int64

	Temperature   *float32
	TopK          *int
	TopP          *float32
	RepeatPenalty *float32
	RepeatLastN   *int

	Stop         []string
	ReuseSession bool
}

// Defaults are the settings a request starts from, usually the config file.
type Defaults struct {
	MaxNewTokens int
	Sampling     logits.SamplerConfig
}

// DefaultDefaults returns the stock sampling settings and 256 new tokens.
func DefaultDefaults() Defaults {
	return Defaults{MaxNewTokens: 256, Sampling: logits.DefaultSamplerConfig()}
}

// ResolveRequest overlays opts on defaults. A negative seed is replaced by
// a time-based one.
func ResolveRequest(opts RequestOptions, defaults Defaults) Request {
	req := Request{
		Prompt:        opts.Prompt,
		PromptTokens:  opts.PromptTokens,
		MaxNewTokens:  defaults.MaxNewTokens,
		StopSequences: opts.Stop,
		Sampling:      defaults.Sampling,
		ReuseSession:  opts.ReuseSession,
	}
	if opts.MaxNewTokens != nil {
		req.MaxNewTokens = *opts.MaxNewTokens
	}
	if opts.Seed != nil {
		req.Sampling.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		req.Sampling.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		req.Sampling.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		req.Sampling.TopP = *opts.TopP
	}
	if opts.RepeatPenalty != nil {
		req.Sampling.RepeatPenalty = *opts.RepeatPenalty
	}
	if opts.RepeatLastN != nil {
		req.Sampling.RepeatLastN = *opts.RepeatLastN
	}
	if req.Sampling.Seed < 0 {
		req.Sampling.Seed = time.Now().UnixNano()
	}
	return req
}
