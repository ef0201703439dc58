package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/mcfstore"
)

type inspectReport struct {
	Path      string         `json:"path"`
	Version   string         `json:"version"`
	FileSize  uint64         `json:"file_size"`
	Mapped    bool           `json:"mapped"`
	Arch      string         `json:"arch"`
	FileType  string         `json:"file_type"`
	Params    map[string]any `json:"hyperparams"`
	Vocab     int            `json:"vocab_size"`
	Supported bool           `json:"supported"`

	TensorCount int            `json:"tensor_count"`
	TensorBytes uint64         `json:"tensor_bytes"`
	DTypes      map[string]int `json:"dtypes"`
	Tensors     []tensorRow    `json:"tensors,omitempty"`
	Tokens      []string       `json:"tokens,omitempty"`
}

type tensorRow struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Bytes uint64 `json:"bytes"`
}

type inspectOptions struct {
	tensors     bool
	tensorLimit int
	filter      string
	vocabLimit  int
}

func buildInspectReport(f *mcfstore.File, opts inspectOptions) inspectReport {
	hp := f.Hyperparams()
	h := f.Header()
	params := map[string]any{
		"layer_count":      hp.LayerCount,
		"embedding_length": hp.EmbeddingLength,
		"head_count":       hp.HeadCount,
		"context_length":   hp.ContextLength,
	}
	for k, v := range hp.Extras {
		params[k] = v
	}
	_, err := registry().Lookup(f.Arch())
	r := inspectReport{
		Path:      f.Path(),
		Version:   fmt.Sprintf("%d.%d", h.Major, h.Minor),
		FileSize:  h.FileSize,
		Mapped:    f.Mapped(),
		Arch:      f.Arch(),
		FileType:  hp.FileType.String(),
		Params:    params,
		Vocab:     f.Vocabulary().Len(),
		Supported: err == nil,
		DTypes:    map[string]int{},
	}
	for _, t := range f.Tensors() {
		r.TensorCount++
		r.TensorBytes += t.DataSize
		r.DTypes[t.DType.String()]++
		if !opts.tensors || (opts.filter != "" && !strings.Contains(t.Name, opts.filter)) {
			continue
		}
		if opts.tensorLimit > 0 && len(r.Tensors) >= opts.tensorLimit {
			continue
		}
		r.Tensors = append(r.Tensors, tensorRow{Name: t.Name, DType: t.DType.String(), Shape: t.Shape, Bytes: t.DataSize})
	}
	toks := f.Vocabulary().Tokens
	for i := 0; i < min(opts.vocabLimit, len(toks)); i++ {
		r.Tokens = append(r.Tokens, string(toks[i]))
	}
	return r
}

func (r inspectReport) writeText(w io.Writer) {
	_, _ = fmt.Fprintf(w, "file:        %s\n", r.Path)
	_, _ = fmt.Fprintf(w, "container:   mcf %s, %s, mapped=%v\n", r.Version, formatModelSize(int64(r.FileSize)), r.Mapped)
	support := "supported"
	if !r.Supported {
		support = "not supported by this build"
	}
	_, _ = fmt.Fprintf(w, "arch:        %s (%s)\n", r.Arch, support)
	_, _ = fmt.Fprintf(w, "file type:   %s\n", r.FileType)
	_, _ = fmt.Fprintf(w, "vocab:       %d tokens\n", r.Vocab)

	_, _ = fmt.Fprintln(w, "\nhyperparameters:")
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "  %-24s %v\n", k, r.Params[k])
	}

	_, _ = fmt.Fprintf(w, "\ntensors: %d, %s\n", r.TensorCount, formatModelSize(int64(r.TensorBytes)))
	dts := make([]string, 0, len(r.DTypes))
	for dt := range r.DTypes {
		dts = append(dts, dt)
	}
	sort.Strings(dts)
	for _, dt := range dts {
		_, _ = fmt.Fprintf(w, "  %-6s %d\n", dt, r.DTypes[dt])
	}
	if len(r.Tensors) > 0 {
		_, _ = fmt.Fprintln(w)
		for _, t := range r.Tensors {
			_, _ = fmt.Fprintf(w, "  %-40s %-6s %-14s %s\n", t.Name, t.DType, formatShape(t.Shape), formatModelSize(int64(t.Bytes)))
		}
	}
	if len(r.Tokens) > 0 {
		_, _ = fmt.Fprintln(w, "\nvocab:")
		for i, tok := range r.Tokens {
			_, _ = fmt.Fprintf(w, "  %6d %q\n", i, tok)
		}
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " x ") + "]"
}

func inspectCmd() *cli.Command {
	var (
		path        string
		asJSON      bool
		opts        inspectOptions
		showTensors bool
	)
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect the contents of an .mcf model container",
		ArgsUsage: "[model.mcf]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to .mcf file", Destination: &path},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "tensors", Usage: "list the tensor directory", Destination: &showTensors},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &opts.tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &opts.filter},
			&cli.IntFlag{Name: "vocab", Usage: "list the first n vocabulary entries", Destination: &opts.vocabLimit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if path == "" {
				path = cmd.Args().First()
			}
			if path == "" {
				return cli.Exit("error: --model is required", 1)
			}
			f, err := mcfstore.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open %s: %v", path, err), 1)
			}
			defer func() { _ = f.Close() }()

			opts.tensors = showTensors || asJSON
			r := buildInspectReport(f, opts)
			if !asJSON {
				r.writeText(os.Stdout)
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		},
	}
}
