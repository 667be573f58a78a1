package storage

// Schema statements applied on Connect. CREATE TABLE IF NOT EXISTS keeps
// startup idempotent across the five stage binaries racing at boot.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS anomalies (
		tracking_id    VARCHAR(64)  NOT NULL,
		ts             DATETIME(3)  NOT NULL,
		ship_id        VARCHAR(64)  NOT NULL,
		domain         VARCHAR(16)  NOT NULL,
		anomaly_type   VARCHAR(128) NOT NULL,
		detector       VARCHAR(32)  NOT NULL,
		service        VARCHAR(128) NOT NULL,
		device_id      VARCHAR(128) NOT NULL DEFAULT '',
		severity       VARCHAR(8)   NOT NULL,
		score          DOUBLE       NOT NULL,
		metric_name    VARCHAR(128) NOT NULL DEFAULT '',
		metric_value   DOUBLE       NULL,
		threshold      DOUBLE       NULL,
		evidence_ref   VARCHAR(256) NOT NULL DEFAULT '',
		payload        JSON         NOT NULL,
		PRIMARY KEY (tracking_id),
		KEY idx_anomalies_ship_type_ts (ship_id, anomaly_type, ts),
		KEY idx_anomalies_ship_domain_ts (ship_id, domain, ts)
	)`,

	`CREATE TABLE IF NOT EXISTS incidents (
		incident_id    VARCHAR(64)  NOT NULL,
		updated_at     DATETIME(3)  NOT NULL,
		created_at     DATETIME(3)  NOT NULL,
		ship_id        VARCHAR(64)  NOT NULL,
		domain         VARCHAR(16)  NOT NULL,
		incident_type  VARCHAR(128) NOT NULL,
		severity       VARCHAR(8)   NOT NULL,
		status         VARCHAR(16)  NOT NULL,
		suppress_key   VARCHAR(128) NOT NULL,
		tracking_id    VARCHAR(64)  NOT NULL,
		enrichment_version INT      NOT NULL DEFAULT 0,
		payload        JSON         NOT NULL,
		PRIMARY KEY (incident_id, updated_at),
		KEY idx_incidents_ship_created (ship_id, created_at),
		KEY idx_incidents_created (created_at)
	)`,

	`CREATE TABLE IF NOT EXISTS devices (
		ship_id    VARCHAR(64)  NOT NULL,
		device_id  VARCHAR(128) NOT NULL,
		metadata   JSON         NOT NULL,
		updated_at DATETIME(3)  NOT NULL,
		PRIMARY KEY (ship_id, device_id)
	)`,

	`CREATE TABLE IF NOT EXISTS llm_cache (
		cache_key  VARCHAR(128) NOT NULL,
		response   JSON         NOT NULL,
		created_at DATETIME(3)  NOT NULL,
		expires_at DATETIME(3)  NOT NULL,
		PRIMARY KEY (cache_key),
		KEY idx_llm_cache_expires (expires_at)
	)`,

	`CREATE TABLE IF NOT EXISTS stage_events (
		tracking_id VARCHAR(64)  NOT NULL,
		ts          DATETIME(3)  NOT NULL,
		stage       VARCHAR(32)  NOT NULL,
		event       VARCHAR(64)  NOT NULL,
		detail      VARCHAR(512) NOT NULL DEFAULT '',
		KEY idx_stage_events_tracking (tracking_id, ts)
	)`,
}

func (s *Store) ensureSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
