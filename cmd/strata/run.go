package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/inference"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/metrics"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tokenizer"
)

func loadEngine(path string, log logger.Logger, m *metrics.Metrics, maxConcurrent int) (*inference.Engine, error) {
	return inference.Load(path, registry(), inference.Options{
		Threads:       int(threads),
		ContextLength: int(maxContext),
		MaxConcurrent: maxConcurrent,
		Strict:        strict,
		Logger:        log,
		Metrics:       m,
	})
}

func runCmd() *cli.Command {
	var (
		prompt      string
		promptFile  string
		sessionPath string
		interactive bool
		echoPrompt  bool
		streamMode  string
		raw         bool
		sv          samplingVars
	)

	flags := append(commonModelFlags(), samplingFlags(&sv)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (default: stdin when it is not a terminal)",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "prompt-file",
			Aliases:     []string{"f"},
			Usage:       "read the prompt from a file",
			Destination: &promptFile,
		},
		&cli.StringFlag{
			Name:        "session",
			Usage:       "resume from and save the context to this snapshot file",
			Destination: &sessionPath,
		},
		&cli.BoolFlag{
			Name:        "interactive",
			Aliases:     []string{"i"},
			Usage:       "keep reading prompts from stdin, continuing the same context",
			Destination: &interactive,
		},
		&cli.BoolFlag{
			Name:        "echo-prompt",
			Usage:       "print the prompt before the generated text",
			Destination: &echoPrompt,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, smooth, quiet)",
			Value:       string(StreamInstant),
			Destination: &streamMode,
		},
		&cli.BoolFlag{
			Name:        "raw",
			Usage:       "escape control characters in the output",
			Destination: &raw,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, cfg)
			if cfg.StreamMode != "" && !cmd.IsSet("stream-mode") {
				streamMode = cfg.StreamMode
			}
			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			text, err := readPrompt(prompt, promptFile, interactive, sessionPath != "")
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			eng, err := loadEngine(path, log, nil, 1)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = eng.Close() }()

			sess, err := openSession(eng, sessionPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: session: %v", err), 1)
			}
			if sess.Pos() > 0 {
				log.Info("resumed session", "path", sessionPath, "tokens", sess.Pos())
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			req := inference.ResolveRequest(sv.options(cmd), cfg.Defaults())
			req.CarryPenalty = interactive
			sampler := logits.NewSampler(req.Sampling)
			var pending []int
			generate := func(p string) (inference.Result, error) {
				if err := continueRequest(&req, eng.Tokenizer(), pending, p); err != nil {
					return inference.Result{}, err
				}
				if echoPrompt {
					_, _ = fmt.Fprint(os.Stdout, p)
				}
				sw := NewStreamWriter(os.Stdout, mode, raw)
				res, err := inference.Generate(ctx, eng, sess, sampler, eng.Tokenizer(), req, func(_ int, fragment string) bool {
					sw.Write(fragment)
					return true
				})
				sw.Flush()
				_, _ = fmt.Fprintln(os.Stdout)
				logResult(log, res)
				pending = res.Pending
				return res, err
			}

			var genErr error
			if interactive {
				genErr = repl(ctx, os.Stdin, os.Stderr, text, generate)
			} else {
				_, genErr = generate(text)
			}

			if sessionPath != "" && (genErr == nil || errors.Is(genErr, session.ErrOutOfContext)) {
				if len(pending) > 0 && sess.Remaining() >= len(pending) {
					if _, err := eng.Evaluate(sess, model.Batch{Tokens: pending}); err != nil {
						return cli.Exit(fmt.Sprintf("error: save session: %v", err), 1)
					}
				}
				if err := saveSession(sess, sessionPath); err != nil {
					return cli.Exit(fmt.Sprintf("error: save session: %v", err), 1)
				}
				log.Info("saved session", "path", sessionPath, "tokens", sess.Pos())
			}
			if genErr != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", genErr), 1)
			}
			return nil
		},
	}
}

// readPrompt picks the prompt from the flag, the file or a piped stdin. An
// empty prompt is allowed only when something else supplies input.
func readPrompt(flag, file string, interactive, resume bool) (string, error) {
	if flag != "" && file != "" {
		return "", errors.New("--prompt and --prompt-file are mutually exclusive")
	}
	if file != "" {
		b, err := os.ReadFile(file)
		return string(b), err
	}
	if flag != "" || interactive {
		return flag, nil
	}
	if !stdinIsTTY() {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		if len(b) > 0 {
			return string(b), nil
		}
	}
	if resume {
		return "", nil
	}
	return "", errors.New("a prompt is required (--prompt, --prompt-file or stdin)")
}

// repl generates for first, then for each line read from in. An empty line
// continues the current text.
func repl(ctx context.Context, in io.Reader, prompt io.Writer, first string, generate func(string) (inference.Result, error)) error {
	if first != "" {
		if _, err := generate(first); err != nil {
			return err
		}
	}
	sc := bufio.NewScanner(in)
	for {
		_, _ = fmt.Fprint(prompt, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if line != "" {
			line += "\n"
		}
		res, err := generate(line)
		if err != nil {
			return err
		}
		if res.StopReason == inference.StopCancelled {
			return nil
		}
	}
}

// continueRequest points req at prompt, led by the tokens the previous
// generation delivered but did not evaluate.
func continueRequest(req *inference.Request, tok *tokenizer.Tokenizer, pending []int, prompt string) error {
	if len(pending) == 0 {
		req.Prompt, req.PromptTokens = prompt, nil
		return nil
	}
	ids, err := tok.EncodeText(prompt)
	if err != nil {
		return err
	}
	req.Prompt = ""
	req.PromptTokens = append(slices.Clip(pending), ids...)
	return nil
}

func openSession(eng *inference.Engine, path string) (*session.Session, error) {
	sess, err := eng.NewSession()
	if err != nil || path == "" {
		return sess, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return sess, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	if _, err := sess.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sess, nil
}

func saveSession(sess *session.Session, path string) error {
	f, commit, err := snapshotOut(path)
	if err != nil {
		return err
	}
	if _, err := sess.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	return commit()
}

func logResult(log logger.Logger, res inference.Result) {
	st := res.Stats
	log.Info("generation finished",
		"stop", res.StopReason,
		"prompt_tokens", st.PromptTokens,
		"generated", st.GeneratedTokens,
		"prompt_time", st.PromptDuration,
		"gen_time", st.GenerationDuration,
		"tps", st.TPS,
	)
}
