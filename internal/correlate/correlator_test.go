package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/policy"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestCorrelator(t *testing.T, pol *policy.Policy) (*Correlator, *pipeline.FakeClock) {
	t.Helper()
	if pol == nil {
		pol = policy.Defaults()
	}
	clock := pipeline.NewFakeClock(testNow)
	c := NewCorrelator(config.CorrelatorConfig{LockStripes: 8},
		policy.NewStaticStore(pol), NewMemoryDedup(clock), clock, logging.NewNop())
	return c, clock
}

func enriched(ship string, domain models.Domain, severity models.Severity, trackingID string) *models.AnomalyEnriched {
	return &models.AnomalyEnriched{
		AnomalyDetected: models.AnomalyDetected{
			TrackingID:  models.TrackingID(trackingID),
			Timestamp:   testNow,
			ShipID:      ship,
			Domain:      domain,
			AnomalyType: "cpu_pressure",
			Detector:    "zscore",
			Service:     "cpu-monitor",
			Score:       0.8,
			EvidenceRef: "logs/" + trackingID,
		},
		Severity: severity,
	}
}

func TestThresholdFiring(t *testing.T) {
	c, clock := newTestCorrelator(t, nil)
	ctx := context.Background()

	// Three high anomalies 30s apart inside the 10-minute system window.
	for i, id := range []string{"trk-1", "trk-2"} {
		a := enriched("mv-aurora", models.DomainSystem, models.SeverityHigh, id)
		a.Timestamp = clock.Now()
		res, err := c.Observe(ctx, a)
		require.NoError(t, err)
		assert.Nil(t, res.Incident, "anomaly %d must not fire", i+1)
		clock.Advance(30 * time.Second)
	}

	res, err := c.Observe(ctx, enriched("mv-aurora", models.DomainSystem, models.SeverityHigh, "trk-3"))
	require.NoError(t, err)
	require.NotNil(t, res.Incident)

	inc := res.Incident
	assert.Equal(t, models.SeverityHigh, inc.Severity)
	assert.Equal(t, []string{"trk-1", "trk-2", "trk-3"}, inc.MemberAnomalyIDs)
	assert.Equal(t, "cpu_pressure", inc.IncidentType)
	assert.Equal(t, "mv-aurora", inc.ShipID)
	assert.Equal(t, models.DomainSystem, inc.Domain)
	assert.Equal(t, models.StatusOpen, inc.Status)
	assert.Equal(t, models.TrackingID("trk-1"), inc.TrackingID)
	assert.True(t, inc.SuppressKey.Valid())
	assert.Len(t, inc.Scope, 1)
	// Timeline: one entry per member plus the creation entry.
	assert.Len(t, inc.Timeline, 4)

	// The fingerprint is deterministic for the same tuple.
	expect := models.NewSuppressKey("mv-aurora", models.DomainSystem,
		"cpu-monitor", "cpu_pressure", "", models.SeverityHigh)
	assert.Equal(t, expect, inc.SuppressKey)
}

func TestDedupSuppression(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)
	ctx := context.Background()

	fire := func() Result {
		var last Result
		for _, id := range []string{"a", "b", "c"} {
			res, err := c.Observe(ctx, enriched("mv-aurora", models.DomainSystem, models.SeverityHigh, id))
			require.NoError(t, err)
			last = res
		}
		return last
	}

	first := fire()
	require.NotNil(t, first.Incident)

	// Identical formation inside the dedup TTL is suppressed and
	// cross-references the winning incident.
	second := fire()
	assert.Nil(t, second.Incident)
	assert.Equal(t, first.Incident.IncidentID, second.SuppressedBy)
}

func TestDedupExpiresAfterTTL(t *testing.T) {
	c, clock := newTestCorrelator(t, nil)
	ctx := context.Background()

	fire := func() Result {
		var last Result
		for _, id := range []string{"a", "b", "c"} {
			res, err := c.Observe(ctx, enriched("mv-aurora", models.DomainSystem, models.SeverityHigh, id))
			require.NoError(t, err)
			last = res
		}
		return last
	}

	require.NotNil(t, fire().Incident)
	clock.Advance(901 * time.Second)
	assert.NotNil(t, fire().Incident)
}

func TestBelowThresholdExpiry(t *testing.T) {
	c, clock := newTestCorrelator(t, nil)
	ctx := context.Background()

	for _, id := range []string{"x", "y"} {
		res, err := c.Observe(ctx, enriched("mv-aurora", models.DomainNetwork, models.SeverityHigh, id))
		require.NoError(t, err)
		assert.Nil(t, res.Incident)
	}

	// Past the 5-minute network window the sweeper discards the pair.
	clock.Advance(5*time.Minute + time.Second)
	assert.Equal(t, 1, c.Sweep(100*time.Millisecond))

	// The next anomaly opens a fresh window; two more are needed again.
	res, err := c.Observe(ctx, enriched("mv-aurora", models.DomainNetwork, models.SeverityHigh, "z"))
	require.NoError(t, err)
	assert.Nil(t, res.Incident)
}

func TestLateArrivalAfterExpiryOpensNewWindow(t *testing.T) {
	c, clock := newTestCorrelator(t, nil)
	ctx := context.Background()

	_, err := c.Observe(ctx, enriched("mv-aurora", models.DomainNetwork, models.SeverityMed, "w1"))
	require.NoError(t, err)

	// No sweep has run; Observe itself notices the stale window.
	clock.Advance(6 * time.Minute)
	for _, id := range []string{"w2", "w3"} {
		res, err := c.Observe(ctx, enriched("mv-aurora", models.DomainNetwork, models.SeverityMed, id))
		require.NoError(t, err)
		assert.Nil(t, res.Incident, "stale member must not count toward the new window")
	}

	res, err := c.Observe(ctx, enriched("mv-aurora", models.DomainNetwork, models.SeverityMed, "w4"))
	require.NoError(t, err)
	require.NotNil(t, res.Incident)
	assert.Equal(t, []string{"w2", "w3", "w4"}, res.Incident.MemberAnomalyIDs)
}

func TestSeverityIsMaxOverMembers(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)
	ctx := context.Background()

	severities := []models.Severity{models.SeverityLow, models.SeverityCrit, models.SeverityMed}
	var res Result
	var err error
	for i, sev := range severities {
		res, err = c.Observe(ctx, enriched("mv-aurora", models.DomainSystem, sev, string(rune('a'+i))))
		require.NoError(t, err)
	}
	require.NotNil(t, res.Incident)
	assert.Equal(t, models.SeverityCrit, res.Incident.Severity)
}

func TestKeysAreIndependent(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)
	ctx := context.Background()

	// Two anomalies each on two keys; neither fires.
	for _, id := range []string{"s1", "s2"} {
		res, err := c.Observe(ctx, enriched("mv-aurora", models.DomainSystem, models.SeverityHigh, id))
		require.NoError(t, err)
		assert.Nil(t, res.Incident)
	}
	for _, id := range []string{"n1", "n2"} {
		res, err := c.Observe(ctx, enriched("mv-aurora", models.DomainNetwork, models.SeverityHigh, id))
		require.NoError(t, err)
		assert.Nil(t, res.Incident)
	}
}

func TestDominantTypePicksMajority(t *testing.T) {
	members := []models.AnomalyEnriched{
		*enriched("s", models.DomainSystem, models.SeverityLow, "1"),
		*enriched("s", models.DomainSystem, models.SeverityLow, "2"),
		*enriched("s", models.DomainSystem, models.SeverityLow, "3"),
	}
	members[1].AnomalyType = "memory_pressure"
	members[2].AnomalyType = "memory_pressure"
	members[2].Service = "mem-monitor"

	typ, rep := dominantType(members)
	assert.Equal(t, "memory_pressure", typ)
	// rep is the earliest member of the winning type.
	assert.Equal(t, models.TrackingID("2"), rep.TrackingID)
}

func TestMemoryDedupReserve(t *testing.T) {
	clock := pipeline.NewFakeClock(testNow)
	d := NewMemoryDedup(clock)
	ctx := context.Background()
	key := models.NewSuppressKey("s", models.DomainSystem, "svc", "t", "", models.SeverityHigh)

	winner, dup, err := d.Reserve(ctx, key, "inc-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "inc-1", winner)

	winner, dup, err = d.Reserve(ctx, key, "inc-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "inc-1", winner)

	clock.Advance(2 * time.Minute)
	winner, dup, err = d.Reserve(ctx, key, "inc-3", time.Minute)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "inc-3", winner)
}

func TestRedisDedupReserve(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewRedisDedup(client)
	ctx := context.Background()
	key := models.NewSuppressKey("s", models.DomainSystem, "svc", "t", "", models.SeverityHigh)

	winner, dup, err := d.Reserve(ctx, key, "inc-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "inc-1", winner)

	winner, dup, err = d.Reserve(ctx, key, "inc-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "inc-1", winner)

	mr.FastForward(2 * time.Minute)
	_, dup, err = d.Reserve(ctx, key, "inc-3", time.Minute)
	require.NoError(t, err)
	assert.False(t, dup)
}
