// Package correlate groups enriched anomalies into tumbling windows
// keyed by (ship_id, domain) and forms incidents when a window reaches
// the correlation threshold. Duplicate formations inside the dedup TTL
// are suppressed.
package correlate

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/policy"
)

type windowState int

const (
	windowAccumulating windowState = iota
	windowFired
	windowExpired
)

// window accumulates anomalies for one (ship_id, domain) key. Tumbling:
// anchored at first arrival, closed at deadline or on fire; the next
// arrival after close opens a fresh window.
type window struct {
	state    windowState
	openedAt time.Time
	deadline time.Time
	members  []models.AnomalyEnriched
}

// Result of observing one anomaly.
type Result struct {
	// Incident is non-nil when this observation fired the window and
	// the formation was not suppressed.
	Incident *models.IncidentCreated
	// SuppressedBy carries the id of the earlier incident with the same
	// fingerprint when the formation was suppressed.
	SuppressedBy string
}

// Correlator holds the window table behind striped locks. Observe for
// the same key must be serialized by the caller (the worker pool
// dispatches by key); the stripes protect against the sweeper.
type Correlator struct {
	policies *policy.Store
	dedup    DedupCache
	clock    pipeline.Clock
	logger   logging.Logger

	stripes []sync.Mutex
	windows []map[string]*window
}

// NewCorrelator builds the window table with cfg.LockStripes stripes.
func NewCorrelator(cfg config.CorrelatorConfig, policies *policy.Store, dedup DedupCache, clock pipeline.Clock, logger logging.Logger) *Correlator {
	stripes := cfg.LockStripes
	if stripes < 1 {
		stripes = 64
	}
	c := &Correlator{
		policies: policies,
		dedup:    dedup,
		clock:    clock,
		logger:   logger,
		stripes:  make([]sync.Mutex, stripes),
		windows:  make([]map[string]*window, stripes),
	}
	for i := range c.windows {
		c.windows[i] = make(map[string]*window)
	}
	return c
}

// WindowKey returns the correlation key for an anomaly; the service
// dispatches workers by it.
func WindowKey(shipID string, domain models.Domain) string {
	return shipID + "/" + string(domain)
}

func (c *Correlator) stripeFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(c.stripes)))
}

// Observe adds one anomaly to its window and forms an incident when
// the threshold is reached.
func (c *Correlator) Observe(ctx context.Context, a *models.AnomalyEnriched) (Result, error) {
	pol := c.policies.Snapshot()
	now := c.clock.Now()
	key := WindowKey(a.ShipID, a.Domain)
	idx := c.stripeFor(key)

	c.stripes[idx].Lock()

	w := c.windows[idx][key]
	if w == nil || w.state != windowAccumulating || now.After(w.deadline) {
		if w != nil && w.state == windowAccumulating && now.After(w.deadline) {
			c.expireLocked(key, w)
		}
		w = &window{
			state:    windowAccumulating,
			openedAt: now,
			deadline: now.Add(pol.Correlate.Window(a.Domain)),
		}
		c.windows[idx][key] = w
	}

	w.members = append(w.members, *a)
	if len(w.members) < pol.Correlate.Threshold {
		c.stripes[idx].Unlock()
		return Result{}, nil
	}

	// Threshold reached: fire the window. Late arrivals open a new one.
	w.state = windowFired
	members := w.members
	c.stripes[idx].Unlock()

	return c.formIncident(ctx, pol, members, now)
}

// expireLocked discards a window that aged out below threshold. The
// member anomalies stay queryable in the store.
func (c *Correlator) expireLocked(key string, w *window) {
	w.state = windowExpired
	monitoring.RecordWindowExpired()
	c.logger.Debug("Correlation window expired below threshold",
		"key", key, "members", len(w.members))
}

func (c *Correlator) formIncident(ctx context.Context, pol *policy.Policy, members []models.AnomalyEnriched, now time.Time) (Result, error) {
	first := &members[0]
	incidentType, rep := dominantType(members)
	severity := maxMemberSeverity(members)
	suppressKey := models.NewSuppressKey(
		first.ShipID, first.Domain, rep.Service, incidentType, rep.DeviceID, severity)

	incidentID := "inc-" + uuid.NewString()
	ttl := time.Duration(pol.Correlate.DedupTTLSec) * time.Second

	// Dedup is reserved before publish so a publish failure cannot
	// produce a duplicate on retry.
	winner, dup, err := c.dedup.Reserve(ctx, suppressKey, incidentID, ttl)
	if err != nil {
		return Result{}, fmt.Errorf("dedup reserve: %w", err)
	}
	if dup {
		monitoring.RecordDuplicateSuppressed()
		c.logger.Info("Incident formation suppressed as duplicate",
			"suppress_key", suppressKey, "suppressed_by", winner)
		return Result{SuppressedBy: winner}, nil
	}

	inc := &models.IncidentCreated{
		IncidentID:      incidentID,
		CreatedAt:       now,
		UpdatedAt:       now,
		ShipID:          first.ShipID,
		Domain:          first.Domain,
		IncidentType:    incidentType,
		Severity:        severity,
		Scope:           buildScope(members),
		CorrelationKeys: []string{"ship_id:" + first.ShipID, "domain:" + string(first.Domain)},
		SuppressKey:     suppressKey,
		Status:          models.StatusOpen,
		TrackingID:      first.TrackingID,
	}
	for i := range members {
		m := &members[i]
		inc.MemberAnomalyIDs = append(inc.MemberAnomalyIDs, string(m.TrackingID))
		if m.EvidenceRef != "" {
			inc.EvidenceRefs = append(inc.EvidenceRefs, m.EvidenceRef)
		}
		inc.Timeline = append(inc.Timeline, models.TimelineEntry{
			Timestamp:   m.Timestamp,
			Event:       "anomaly",
			Source:      m.Detector,
			Description: fmt.Sprintf("%s (%s, score %.2f, tracking %s)", m.AnomalyType, m.Severity, m.Score, m.TrackingID),
		})
	}
	inc.Timeline = append(inc.Timeline, models.TimelineEntry{
		Timestamp:   now,
		Event:       "incident_created",
		Source:      "correlator",
		Description: fmt.Sprintf("%d anomalies reached the correlation threshold", len(members)),
	})

	return Result{Incident: inc}, nil
}

// dominantType picks the most frequent anomaly type over the members;
// ties resolve to the earliest member carrying a winning type. rep is
// that member, supplying service and device for the fingerprint.
func dominantType(members []models.AnomalyEnriched) (string, *models.AnomalyEnriched) {
	counts := make(map[string]int, len(members))
	for i := range members {
		counts[members[i].AnomalyType]++
	}
	best := 0
	var bestType string
	var rep *models.AnomalyEnriched
	for i := range members {
		m := &members[i]
		if counts[m.AnomalyType] > best {
			best = counts[m.AnomalyType]
			bestType = m.AnomalyType
			rep = m
		}
	}
	return bestType, rep
}

func maxMemberSeverity(members []models.AnomalyEnriched) models.Severity {
	severities := make([]models.Severity, len(members))
	for i := range members {
		severities[i] = members[i].Severity
	}
	return models.MaxSeverity(severities)
}

// buildScope collects the distinct (device, service) pairs touched by
// the members, in first-seen order.
func buildScope(members []models.AnomalyEnriched) []models.ScopeEntry {
	seen := make(map[string]bool, len(members))
	scope := make([]models.ScopeEntry, 0, len(members))
	for i := range members {
		m := &members[i]
		k := m.DeviceID + "\x1f" + m.Service
		if seen[k] {
			continue
		}
		seen[k] = true
		scope = append(scope, models.ScopeEntry{DeviceID: m.DeviceID, Service: m.Service})
	}
	return scope
}

// Sweep expires windows past their deadline with fewer members than
// the threshold. It honors the budget: when exceeded, remaining
// stripes wait for the next tick. Returns how many windows expired.
func (c *Correlator) Sweep(budget time.Duration) int {
	pol := c.policies.Snapshot()
	start := time.Now()
	now := c.clock.Now()
	expired := 0

	for idx := range c.stripes {
		if time.Since(start) > budget {
			break
		}
		c.stripes[idx].Lock()
		for key, w := range c.windows[idx] {
			switch {
			case w.state != windowAccumulating:
				delete(c.windows[idx], key)
			case now.After(w.deadline):
				if len(w.members) < pol.Correlate.Threshold {
					c.expireLocked(key, w)
					expired++
				}
				delete(c.windows[idx], key)
			}
		}
		c.stripes[idx].Unlock()
	}
	return expired
}
