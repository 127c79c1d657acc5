package rules

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opsforge/remedia/internal/models"
)

// Engine serves rule lookups against an atomically swappable catalog.
// Lookups are pure reads over immutable state and safe for unsynchronized
// concurrent use; reloads swap the whole catalog in one pointer store.
type Engine struct {
	path    string
	catalog atomic.Pointer[Catalog]
	logger  *slog.Logger
}

// NewEngine loads the rule pack at path and returns a ready engine.
func NewEngine(path string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}

	e := &Engine{path: path, logger: logger}
	e.catalog.Store(catalog)
	logger.Info("rule pack loaded", slog.String("path", path), slog.Int("rules", catalog.Size()))
	return e, nil
}

// Match looks the signature up and, on a hit, builds a rule-sourced
// candidate for the incident. Rule confidence is the fixed configured value.
func (e *Engine) Match(inc models.Incident) (models.Candidate, bool) {
	catalog := e.catalog.Load()
	rule, ok := catalog.Match(inc.Signature)
	if !ok {
		return models.Candidate{}, false
	}

	return models.Candidate{
		IncidentID: inc.ID,
		Target:     inc.Target,
		Source:     models.SourceRule,
		Action: models.Action{
			Type:       rule.Action.Type,
			Parameters: rule.Action.Parameters,
		},
		Confidence: rule.Confidence,
		Priority:   rule.Priority,
		ProducedAt: time.Now().UTC(),
	}, true
}

// Reload re-reads the rule pack from disk and swaps it in. A failed load
// keeps the previous catalog serving.
func (e *Engine) Reload() error {
	catalog, err := LoadCatalog(e.path)
	if err != nil {
		e.logger.Error("rule pack reload failed, keeping previous catalog",
			slog.String("path", e.path), slog.Any("error", err))
		return err
	}
	e.catalog.Store(catalog)
	e.logger.Info("rule pack reloaded", slog.String("path", e.path), slog.Int("rules", catalog.Size()))
	return nil
}

// Size reports the number of rules currently loaded.
func (e *Engine) Size() int { return e.catalog.Load().Size() }
