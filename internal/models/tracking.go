package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// TrackingID is the end-to-end identifier carried verbatim on every event
// and log line. Ingress-supplied ids are opaque and accepted as-is;
// synthesized ids use the "trk-<32 hex>" format below.
type TrackingID string

const trackingPrefix = "trk-"

// NewTrackingID returns a freshly synthesized tracking id.
// Format: "trk-" followed by 32 lowercase hex characters (a v4 UUID with
// the dashes stripped).
func NewTrackingID() TrackingID {
	raw := uuid.New()
	return TrackingID(trackingPrefix + strings.ReplaceAll(raw.String(), "-", ""))
}

// IsZero reports whether the id is absent.
func (t TrackingID) IsZero() bool { return t == "" }

// Synthetic reports whether the id was synthesized at ingress rather than
// supplied by the caller.
func (t TrackingID) Synthetic() bool { return strings.HasPrefix(string(t), trackingPrefix) }

func (t TrackingID) String() string { return string(t) }

// SuppressKey is the deterministic incident fingerprint used for
// deduplication. Two incidents with the same key within the dedup TTL are
// duplicates; the later formation is suppressed.
//
// Format: "sup-v1-<sha256 hex>" where the hash covers the ordered tuple
// (ship_id, domain, service, anomaly_type, device_id, severity_bucket)
// joined with a unit separator. Absent optional fields hash as the empty
// string so the key stays stable across publishes.
type SuppressKey string

const suppressPrefix = "sup-v1-"

// NewSuppressKey builds the fingerprint for an incident formation.
// severityBucket is the max severity over the window members.
func NewSuppressKey(shipID string, domain Domain, service, anomalyType, deviceID string, severityBucket Severity) SuppressKey {
	parts := []string{shipID, string(domain), service, anomalyType, deviceID, string(severityBucket)}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return SuppressKey(suppressPrefix + hex.EncodeToString(sum[:]))
}

// Valid reports whether the key carries the documented format.
func (k SuppressKey) Valid() bool {
	if !strings.HasPrefix(string(k), suppressPrefix) {
		return false
	}
	rest := strings.TrimPrefix(string(k), suppressPrefix)
	if len(rest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

func (k SuppressKey) String() string { return string(k) }
