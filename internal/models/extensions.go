package models

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Events arriving over the bus may carry fields this version of the
// schema does not know about. Per the wire contract those fields MUST be
// preserved and round-tripped, so every event type keeps them in an
// Extensions map populated during unmarshal and merged back during
// marshal. Known fields always win over a colliding extension.

// knownJSONFields collects the json keys a struct type serializes,
// recursing into embedded structs whose fields are promoted.
func knownJSONFields(t reflect.Type, out map[string]struct{}) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			knownJSONFields(f.Type, out)
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		if name == "" {
			name = f.Name
		}
		out[name] = struct{}{}
	}
}

// unmarshalExtensible decodes data into v (a pointer to an alias struct
// without custom JSON methods) and returns any unknown fields.
func unmarshalExtensible(data []byte, v interface{}) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	known := make(map[string]struct{})
	knownJSONFields(reflect.TypeOf(v).Elem(), known)
	for k := range known {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

// marshalExtensible encodes v and merges ext back into the object.
func marshalExtensible(v interface{}, ext map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(ext) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, val := range ext {
		if _, exists := merged[k]; !exists {
			merged[k] = val
		}
	}
	return json.Marshal(merged)
}

func (r LogRecord) MarshalJSON() ([]byte, error) {
	type alias LogRecord
	return marshalExtensible(alias(r), r.Extensions)
}

func (r *LogRecord) UnmarshalJSON(data []byte) error {
	type alias LogRecord
	var a alias
	ext, err := unmarshalExtensible(data, &a)
	if err != nil {
		return err
	}
	*r = LogRecord(a)
	r.Extensions = ext
	return nil
}

func (a AnomalyDetected) MarshalJSON() ([]byte, error) {
	type alias AnomalyDetected
	return marshalExtensible(alias(a), a.Extensions)
}

func (a *AnomalyDetected) UnmarshalJSON(data []byte) error {
	type alias AnomalyDetected
	var aa alias
	ext, err := unmarshalExtensible(data, &aa)
	if err != nil {
		return err
	}
	*a = AnomalyDetected(aa)
	a.Extensions = ext
	return nil
}

func (e AnomalyEnriched) MarshalJSON() ([]byte, error) {
	// Flatten the embedded AnomalyDetected without invoking its custom
	// marshaler, then merge extensions once at the top level.
	type detectedAlias AnomalyDetected
	type alias struct {
		detectedAlias
		Severity            Severity          `json:"severity"`
		Context             EnrichmentContext `json:"context"`
		Meta                EnrichmentMeta    `json:"meta"`
		EnrichmentLatencyMs int64             `json:"enrichment_latency_ms"`
	}
	return marshalExtensible(alias{
		detectedAlias:       detectedAlias(e.AnomalyDetected),
		Severity:            e.Severity,
		Context:             e.Context,
		Meta:                e.Meta,
		EnrichmentLatencyMs: e.EnrichmentLatencyMs,
	}, e.AnomalyDetected.Extensions)
}

func (e *AnomalyEnriched) UnmarshalJSON(data []byte) error {
	type detectedAlias AnomalyDetected
	type alias struct {
		detectedAlias
		Severity            Severity          `json:"severity"`
		Context             EnrichmentContext `json:"context"`
		Meta                EnrichmentMeta    `json:"meta"`
		EnrichmentLatencyMs int64             `json:"enrichment_latency_ms"`
	}
	var a alias
	ext, err := unmarshalExtensible(data, &a)
	if err != nil {
		return err
	}
	e.AnomalyDetected = AnomalyDetected(a.detectedAlias)
	e.AnomalyDetected.Extensions = ext
	e.Severity = a.Severity
	e.Context = a.Context
	e.Meta = a.Meta
	e.EnrichmentLatencyMs = a.EnrichmentLatencyMs
	return nil
}

func (i IncidentCreated) MarshalJSON() ([]byte, error) {
	type alias IncidentCreated
	return marshalExtensible(alias(i), i.Extensions)
}

func (i *IncidentCreated) UnmarshalJSON(data []byte) error {
	type alias IncidentCreated
	var a alias
	ext, err := unmarshalExtensible(data, &a)
	if err != nil {
		return err
	}
	*i = IncidentCreated(a)
	i.Extensions = ext
	return nil
}

func (e IncidentEnriched) MarshalJSON() ([]byte, error) {
	type createdAlias IncidentCreated
	type alias struct {
		createdAlias
		AI                AIInsight `json:"ai"`
		CacheHit          bool      `json:"cache_hit"`
		ProcessingTimeMs  int64     `json:"processing_time_ms"`
		Confidence        string    `json:"confidence"`
		EnrichmentVersion int       `json:"enrichment_version"`
	}
	return marshalExtensible(alias{
		createdAlias:      createdAlias(e.IncidentCreated),
		AI:                e.AI,
		CacheHit:          e.CacheHit,
		ProcessingTimeMs:  e.ProcessingTimeMs,
		Confidence:        e.Confidence,
		EnrichmentVersion: e.EnrichmentVersion,
	}, e.IncidentCreated.Extensions)
}

func (e *IncidentEnriched) UnmarshalJSON(data []byte) error {
	type createdAlias IncidentCreated
	type alias struct {
		createdAlias
		AI                AIInsight `json:"ai"`
		CacheHit          bool      `json:"cache_hit"`
		ProcessingTimeMs  int64     `json:"processing_time_ms"`
		Confidence        string    `json:"confidence"`
		EnrichmentVersion int       `json:"enrichment_version"`
	}
	var a alias
	ext, err := unmarshalExtensible(data, &a)
	if err != nil {
		return err
	}
	e.IncidentCreated = IncidentCreated(a.createdAlias)
	e.IncidentCreated.Extensions = ext
	e.AI = a.AI
	e.CacheHit = a.CacheHit
	e.ProcessingTimeMs = a.ProcessingTimeMs
	e.Confidence = a.Confidence
	e.EnrichmentVersion = a.EnrichmentVersion
	return nil
}
