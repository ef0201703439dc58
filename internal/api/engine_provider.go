package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samcharles93/strata/internal/inference"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/tokenizer"
)

// Engine is the part of inference.Engine the handlers use.
type Engine interface {
	Generate(ctx context.Context, req inference.Request, cb inference.Callback) (inference.Result, error)
	Embeddings(ctx context.Context, text string) ([][]float32, error)
	Tokenizer() *tokenizer.Tokenizer
	Config() model.Config
}

// EngineProvider resolves a request's model name to a loaded engine.
type EngineProvider interface {
	Engine(ctx context.Context, modelID string) (Engine, error)
	ListModels() ([]string, error)
}

// EnvModelsDir names the directory searched for .mcf files when no models
// path is configured.
const EnvModelsDir = "STRATA_MODELS_DIR"

type EngineProviderConfig struct {
	DefaultModelPath string
	ModelsPath       string
	Load             func(path string) (*inference.Engine, error)
}

// CachedEngineProvider loads each model file once and keeps it open until
// Close.
type CachedEngineProvider struct {
	cfg   EngineProviderConfig
	mu    sync.Mutex
	cache map[string]*inference.Engine
}

func NewCachedEngineProvider(cfg EngineProviderConfig) *CachedEngineProvider {
	return &CachedEngineProvider{
		cfg:   cfg,
		cache: make(map[string]*inference.Engine),
	}
}

func (p *CachedEngineProvider) Engine(ctx context.Context, modelID string) (Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return nil, err
	}
	return p.getOrLoad(path)
}

// getOrLoad holds the lock across the load so a model is never mapped twice.
func (p *CachedEngineProvider) getOrLoad(path string) (*inference.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.cache[path]; ok {
		return e, nil
	}
	if p.cfg.Load == nil {
		return nil, errors.New("engine loader not configured")
	}
	e, err := p.cfg.Load(path)
	if err != nil {
		return nil, err
	}
	p.cache[path] = e
	return e, nil
}

// ListModels returns the names requests can use: the default model and the
// .mcf files of the models directory, without extension.
func (p *CachedEngineProvider) ListModels() ([]string, error) {
	seen := map[string]bool{}
	if p.cfg.DefaultModelPath != "" {
		seen[modelName(p.cfg.DefaultModelPath)] = true
	}
	if dir := p.modelsDir(); dir != "" {
		paths, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			seen[modelName(path)] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes every loaded engine.
func (p *CachedEngineProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for path, e := range p.cache {
		errs = append(errs, e.Close())
		delete(p.cache, path)
	}
	return errors.Join(errs...)
}

func (p *CachedEngineProvider) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID != "" {
		if p.cfg.DefaultModelPath != "" && modelID == modelName(p.cfg.DefaultModelPath) {
			return filepath.Clean(p.cfg.DefaultModelPath), nil
		}
		if looksLikePath(modelID) {
			return filepath.Clean(modelID), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", fmt.Errorf("%w: models path is required to resolve model %q", ErrModelNotFound, modelID)
		}
		if resolved := resolveInDir(modelsDir, modelID); resolved != "" {
			return resolved, nil
		}
		return "", fmt.Errorf("%w: %q not in %s", ErrModelNotFound, modelID, modelsDir)
	}

	if p.cfg.DefaultModelPath != "" {
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", newInvalidRequest("model is required")
	}
	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 1:
		return models[0], nil
	case 0:
		return "", fmt.Errorf("%w: no .mcf models in %s", ErrModelNotFound, modelsDir)
	default:
		return "", newInvalidRequest(fmt.Sprintf("multiple models in %s; specify model", modelsDir))
	}
}

func (p *CachedEngineProvider) modelsDir() string {
	if dir := strings.TrimSpace(p.cfg.ModelsPath); dir != "" {
		return dir
	}
	return strings.TrimSpace(os.Getenv(EnvModelsDir))
}

func modelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func looksLikePath(v string) bool {
	if strings.Contains(v, string(filepath.Separator)) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(v), ".mcf")
}

func resolveInDir(dir, name string) string {
	cand := filepath.Join(dir, name)
	if fileExists(cand) {
		return cand
	}
	if !strings.HasSuffix(strings.ToLower(name), ".mcf") {
		cand = filepath.Join(dir, name+".mcf")
		if fileExists(cand) {
			return cand
		}
	}
	return ""
}

func discoverModels(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("models path: %w", err)
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".mcf") {
			continue
		}
		models = append(models, filepath.Join(dir, e.Name()))
	}
	return models, nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
