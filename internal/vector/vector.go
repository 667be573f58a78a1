// Package vector stores finished incidents in the vector store and
// serves the similarity lookups used by retrieval-augmented insight
// generation. All access goes through the official client SDK; no raw
// HTTP or GraphQL strings leave this package.
package vector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	wv "github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	wm "github.com/weaviate/weaviate/entities/models"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
)

// SimilarityStore is the interface the insight enricher depends on;
// tests substitute a stub.
type SimilarityStore interface {
	UpsertIncident(ctx context.Context, inc *models.IncidentEnriched) error
	SearchSimilar(ctx context.Context, query string, limit int) ([]models.SimilarIncident, error)
}

// ErrClientNil is returned when the store is constructed without a
// client.
var ErrClientNil = errors.New("vector client is nil")

const defaultClass = "FleetIncident"

// Store wraps the vector store client for incident similarity search.
type Store struct {
	client *wv.Client
	logger logging.Logger
	class  string

	schemaInit sync.Once
	schemaErr  error
}

// New connects to the vector store described by cfg.
func New(cfg config.VectorConfig, logger logging.Logger) (*Store, error) {
	wcfg := wv.Config{
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Scheme: cfg.Scheme,
	}
	if wcfg.Scheme == "" {
		wcfg.Scheme = "http"
	}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := wv.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create vector client: %w", err)
	}

	class := cfg.Class
	if class == "" {
		class = defaultClass
	}
	return &Store{client: client, logger: logger, class: class}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *wv.Client, class string, logger logging.Logger) *Store {
	if class == "" {
		class = defaultClass
	}
	return &Store{client: client, logger: logger, class: class}
}

// objectID derives a deterministic v5 id so re-upserting the same
// incident overwrites instead of duplicating.
func (s *Store) objectID(incidentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.class+"|"+incidentID)).String()
}

// summaryText builds the searchable document for an incident.
func summaryText(inc *models.IncidentEnriched) string {
	parts := []string{
		inc.ShipID,
		string(inc.Domain),
		inc.IncidentType,
		string(inc.Severity),
		inc.AI.RootCause,
	}
	parts = append(parts, inc.AI.RemediationSteps...)
	return strings.Join(parts, " ")
}

// UpsertIncident writes a finished incident into the similarity index.
func (s *Store) UpsertIncident(ctx context.Context, inc *models.IncidentEnriched) error {
	if s.client == nil {
		return ErrClientNil
	}
	s.schemaInit.Do(func() {
		s.schemaErr = s.ensureClass(ctx)
		if s.schemaErr != nil {
			s.logger.Warn("Vector class init failed", "class", s.class, "error", s.schemaErr)
		}
	})
	if s.schemaErr != nil {
		return s.schemaErr
	}

	objID := s.objectID(inc.IncidentID)
	props := map[string]any{
		"incidentId":   inc.IncidentID,
		"shipId":       inc.ShipID,
		"domain":       string(inc.Domain),
		"incidentType": inc.IncidentType,
		"severity":     string(inc.Severity),
		"rootCause":    inc.AI.RootCause,
		"resolution":   strings.Join(inc.AI.RemediationSteps, "\n"),
		"summary":      summaryText(inc),
		"createdAt":    inc.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	_, err := s.client.Data().Creator().
		WithClassName(s.class).
		WithID(objID).
		WithProperties(props).
		Do(ctx)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		err = s.client.Data().Updater().
			WithClassName(s.class).
			WithID(objID).
			WithProperties(props).
			Do(ctx)
	}
	monitoring.RecordVectorOperation("upsert", err == nil)
	if err != nil {
		return fmt.Errorf("upsert incident %s: %w", inc.IncidentID, err)
	}
	return nil
}

// SearchSimilar runs a keyword similarity query and returns up to limit
// historical incidents, best match first.
func (s *Store) SearchSimilar(ctx context.Context, query string, limit int) ([]models.SimilarIncident, error) {
	if s.client == nil {
		return nil, ErrClientNil
	}
	if limit <= 0 {
		limit = 3
	}

	fields := []graphql.Field{
		{Name: "incidentId"},
		{Name: "resolution"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "score"}}},
	}
	bm25 := s.client.GraphQL().Bm25ArgBuilder().
		WithQuery(query).
		WithProperties("summary", "rootCause")

	resp, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(fields...).
		WithBM25(bm25).
		WithLimit(limit).
		Do(ctx)
	monitoring.RecordVectorOperation("search", err == nil)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("similarity search: %s", resp.Errors[0].Message)
	}
	return parseSimilar(resp, s.class), nil
}

func parseSimilar(resp *wm.GraphQLResponse, class string) []models.SimilarIncident {
	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	items, ok := get[class].([]any)
	if !ok {
		return nil
	}

	out := make([]models.SimilarIncident, 0, len(items))
	for _, it := range items {
		props, ok := it.(map[string]any)
		if !ok {
			continue
		}
		var si models.SimilarIncident
		if v, ok := props["incidentId"].(string); ok {
			si.IncidentID = v
		}
		if v, ok := props["resolution"].(string); ok {
			si.Resolution = v
		}
		if add, ok := props["_additional"].(map[string]any); ok {
			switch v := add["score"].(type) {
			case string:
				si.SimilarityScore, _ = strconv.ParseFloat(v, 64)
			case float64:
				si.SimilarityScore = v
			}
		}
		if si.IncidentID != "" {
			out = append(out, si)
		}
	}
	return out
}

func (s *Store) ensureClass(ctx context.Context) error {
	classDef := &wm.Class{
		Class:      s.class,
		Vectorizer: "none",
		Properties: []*wm.Property{
			{Name: "incidentId", DataType: []string{"text"}},
			{Name: "shipId", DataType: []string{"text"}},
			{Name: "domain", DataType: []string{"text"}},
			{Name: "incidentType", DataType: []string{"text"}},
			{Name: "severity", DataType: []string{"text"}},
			{Name: "rootCause", DataType: []string{"text"}},
			{Name: "resolution", DataType: []string{"text"}},
			{Name: "summary", DataType: []string{"text"}},
			{Name: "createdAt", DataType: []string{"date"}},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(classDef).Do(ctx); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("create class %s: %w", s.class, err)
	}
	s.logger.Info("Created vector class", "class", s.class)
	return nil
}
