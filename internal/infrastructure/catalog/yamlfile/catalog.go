// Package yamlfile serves apps, their model configurations and searchable
// datasets from a single YAML document.
package yamlfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
)

type document struct {
	Apps     []appDocument     `yaml:"apps"`
	Datasets []datasetDocument `yaml:"datasets"`
}

type appDocument struct {
	domain.App  `yaml:",inline"`
	ModelConfig domain.AppModelConfig `yaml:"model_config"`
}

type datasetDocument struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	ChunkSize    int               `yaml:"chunk_size"`
	ChunkOverlap int               `yaml:"chunk_overlap"`
	Documents    []datasetDocEntry `yaml:"documents"`
}

type datasetDocEntry struct {
	Title string `yaml:"title"`
	Text  string `yaml:"text"`
}

// Catalog is read-only after Load and safe for concurrent use.
type Catalog struct {
	apps     map[string]appDocument
	datasets map[string]*datasetIndex
}

func Load(path string) (*Catalog, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %q: %w", absPath, err)
	}
	catalog, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog file %q: %w", absPath, err)
	}
	return catalog, nil
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "parse catalog", err)
	}

	catalog := &Catalog{
		apps:     make(map[string]appDocument, len(doc.Apps)),
		datasets: make(map[string]*datasetIndex, len(doc.Datasets)),
	}
	for i, app := range doc.Apps {
		if err := validateApp(app); err != nil {
			return nil, domain.WrapError(domain.ErrConfiguration, fmt.Sprintf("apps[%d]", i), err)
		}
		if _, dup := catalog.apps[app.ID]; dup {
			return nil, domain.WrapError(domain.ErrConfiguration, fmt.Sprintf("apps[%d]", i), fmt.Errorf("duplicate app id %q", app.ID))
		}
		catalog.apps[app.ID] = app
	}
	for i, ds := range doc.Datasets {
		id := strings.TrimSpace(ds.ID)
		if id == "" {
			return nil, domain.WrapError(domain.ErrConfiguration, fmt.Sprintf("datasets[%d]", i), fmt.Errorf("id is required"))
		}
		if _, dup := catalog.datasets[id]; dup {
			return nil, domain.WrapError(domain.ErrConfiguration, fmt.Sprintf("datasets[%d]", i), fmt.Errorf("duplicate dataset id %q", id))
		}
		catalog.datasets[id] = buildIndex(id, ds)
	}
	return catalog, nil
}

func validateApp(app appDocument) error {
	if strings.TrimSpace(app.ID) == "" {
		return fmt.Errorf("id is required")
	}
	switch app.Mode {
	case domain.AppModeChat, domain.AppModeCompletion:
	default:
		return fmt.Errorf("app %s: mode must be %q or %q, got %q", app.ID, domain.AppModeChat, domain.AppModeCompletion, app.Mode)
	}
	if app.ModelConfig.AppID != "" && app.ModelConfig.AppID != app.ID {
		return fmt.Errorf("app %s: model_config.app_id %q does not match", app.ID, app.ModelConfig.AppID)
	}
	config := app.ModelConfig
	config.AppID = app.ID
	return config.Validate()
}

// GetApp returns copies, so callers may mutate what they receive.
func (c *Catalog) GetApp(_ context.Context, appID string) (*domain.App, *domain.AppModelConfig, error) {
	entry, ok := c.apps[appID]
	if !ok {
		return nil, nil, domain.WrapError(domain.ErrNotFound, "get app", fmt.Errorf("app %s", appID))
	}
	app := entry.App
	config := entry.ModelConfig
	config.AppID = app.ID
	if config.ID == "" {
		config.ID = app.ID + "-config"
	}
	return &app, &config, nil
}

// AppIDs lists the configured apps; used for the startup log line.
func (c *Catalog) AppIDs() []string {
	out := make([]string, 0, len(c.apps))
	for id := range c.apps {
		out = append(out, id)
	}
	return out
}

func (c *Catalog) SearchDataset(ctx context.Context, datasetID, query string, limit int) ([]domain.DatasetHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	index, ok := c.datasets[datasetID]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "search dataset", fmt.Errorf("dataset %s", datasetID))
	}
	return index.search(query, limit), nil
}
