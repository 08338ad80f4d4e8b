package store

import "fmt"

// Tables shared by both dialects. Instants are unix milliseconds, big integers
// are decimal TEXT.
var commonTables = []string{
	`CREATE TABLE IF NOT EXISTS node_scopes (
	node_id    TEXT NOT NULL,
	scope_id   TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (node_id, scope_id)
)`,
	`CREATE TABLE IF NOT EXISTS activity_events (
	source          TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	event_time      BIGINT NOT NULL,
	raw_payload_ref TEXT NOT NULL DEFAULT '',
	actor_ref       TEXT NOT NULL DEFAULT '',
	node_id         TEXT NOT NULL,
	scope_id        TEXT NOT NULL,
	ingested_at     BIGINT NOT NULL,
	PRIMARY KEY (source, event_id),
	FOREIGN KEY (node_id, scope_id) REFERENCES node_scopes (node_id, scope_id)
)`,
	`CREATE INDEX IF NOT EXISTS activity_events_window
	ON activity_events (node_id, scope_id, event_time)`,
	`CREATE TABLE IF NOT EXISTS activity_curation (
	source           TEXT NOT NULL,
	event_id         TEXT NOT NULL,
	resolved_user_id TEXT,
	included         BOOLEAN NOT NULL DEFAULT TRUE,
	weight_override  BIGINT,
	inclusion_reason TEXT NOT NULL DEFAULT '',
	inclusion_source TEXT NOT NULL DEFAULT 'default',
	updated_by       TEXT NOT NULL DEFAULT '',
	updated_at       BIGINT NOT NULL,
	PRIMARY KEY (source, event_id),
	FOREIGN KEY (source, event_id) REFERENCES activity_events (source, event_id)
)`,
	`CREATE TABLE IF NOT EXISTS epochs (
	epoch_id           TEXT PRIMARY KEY,
	node_id            TEXT NOT NULL,
	scope_id           TEXT NOT NULL,
	period_start       BIGINT NOT NULL,
	period_end         BIGINT NOT NULL,
	status             TEXT NOT NULL CHECK (status IN ('open', 'review', 'finalized')),
	weight_config      TEXT NOT NULL,
	pool_total_credits TEXT,
	created_at         BIGINT NOT NULL,
	closed_at          BIGINT,
	finalized_at       BIGINT,
	CHECK (period_start < period_end),
	UNIQUE (node_id, scope_id, period_start, period_end),
	UNIQUE (epoch_id, node_id, scope_id),
	FOREIGN KEY (node_id, scope_id) REFERENCES node_scopes (node_id, scope_id)
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS epochs_one_active
	ON epochs (node_id, scope_id) WHERE status <> 'finalized'`,
	`CREATE TABLE IF NOT EXISTS epoch_allocations (
	epoch_id       TEXT NOT NULL REFERENCES epochs (epoch_id),
	user_id        TEXT NOT NULL,
	proposed_units TEXT NOT NULL,
	final_units    TEXT,
	activity_count BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (epoch_id, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS epoch_pool_components (
	epoch_id       TEXT NOT NULL REFERENCES epochs (epoch_id),
	component_id   TEXT NOT NULL,
	amount_credits TEXT NOT NULL,
	created_at     BIGINT NOT NULL,
	PRIMARY KEY (epoch_id, component_id)
)`,
	`CREATE TABLE IF NOT EXISTS payout_statements (
	statement_id        TEXT PRIMARY KEY,
	epoch_id            TEXT NOT NULL,
	node_id             TEXT NOT NULL,
	scope_id            TEXT NOT NULL,
	allocation_set_hash TEXT NOT NULL,
	pool_total_credits  TEXT NOT NULL,
	payouts             TEXT NOT NULL,
	signature           TEXT NOT NULL,
	signer_address      TEXT NOT NULL,
	supersedes_id       TEXT REFERENCES payout_statements (statement_id),
	created_at          BIGINT NOT NULL,
	FOREIGN KEY (epoch_id, node_id, scope_id) REFERENCES epochs (epoch_id, node_id, scope_id)
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payout_statements_one_original
	ON payout_statements (epoch_id) WHERE supersedes_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payout_statements_linear
	ON payout_statements (supersedes_id) WHERE supersedes_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS statement_signatures (
	statement_id   TEXT NOT NULL REFERENCES payout_statements (statement_id),
	signer_address TEXT NOT NULL,
	signature      TEXT NOT NULL,
	signed_at      BIGINT NOT NULL,
	PRIMARY KEY (statement_id, signer_address)
)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
	idem_key    TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	headers     TEXT NOT NULL,
	body        TEXT NOT NULL,
	cached_at   BIGINT NOT NULL
)`,
}

// frozenEventPredicate is true when the event keyed by (source, event_id) falls
// inside a finalized epoch. Format it with frozenFor.
const frozenEventPredicate = `EXISTS (
	SELECT 1 FROM activity_events ev
	JOIN epochs ep ON ep.node_id = ev.node_id AND ep.scope_id = ev.scope_id
	WHERE ev.source = %s AND ev.event_id = %s
	  AND ep.status = 'finalized'
	  AND ev.event_time >= ep.period_start
	  AND ev.event_time < ep.period_end)`

func frozenFor(source, eventID string) string {
	return fmt.Sprintf(frozenEventPredicate, source, eventID)
}

var sqliteTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS activity_events_no_update BEFORE UPDATE ON activity_events
BEGIN SELECT RAISE(ABORT, 'immutable_violation: activity_events is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS activity_events_no_delete BEFORE DELETE ON activity_events
BEGIN SELECT RAISE(ABORT, 'immutable_violation: activity_events is append-only'); END`,

	`CREATE TRIGGER IF NOT EXISTS activity_curation_frozen BEFORE UPDATE ON activity_curation
WHEN ` + frozenFor("OLD.source", "OLD.event_id") + `
BEGIN SELECT RAISE(ABORT, 'epoch_frozen: curation belongs to a finalized epoch'); END`,
	`CREATE TRIGGER IF NOT EXISTS activity_curation_no_delete BEFORE DELETE ON activity_curation
BEGIN SELECT RAISE(ABORT, 'immutable_violation: curation rows are never deleted'); END`,

	`CREATE TRIGGER IF NOT EXISTS epochs_no_delete BEFORE DELETE ON epochs
BEGIN SELECT RAISE(ABORT, 'immutable_violation: epochs are never deleted'); END`,
	`CREATE TRIGGER IF NOT EXISTS epochs_finalized BEFORE UPDATE ON epochs
WHEN OLD.status = 'finalized'
BEGIN SELECT RAISE(ABORT, 'immutable_violation: epoch is finalized'); END`,
	`CREATE TRIGGER IF NOT EXISTS epochs_forward_only BEFORE UPDATE OF status ON epochs
WHEN NEW.status <> OLD.status AND NOT (
	(OLD.status = 'open' AND NEW.status = 'review') OR
	(OLD.status = 'review' AND NEW.status = 'finalized'))
BEGIN SELECT RAISE(ABORT, 'immutable_violation: epoch status only moves forward'); END`,
	`CREATE TRIGGER IF NOT EXISTS epochs_frozen_fields BEFORE UPDATE ON epochs
WHEN NEW.node_id <> OLD.node_id OR NEW.scope_id <> OLD.scope_id
	OR NEW.period_start <> OLD.period_start OR NEW.period_end <> OLD.period_end
	OR NEW.weight_config <> OLD.weight_config
BEGIN SELECT RAISE(ABORT, 'immutable_violation: epoch identity and weights are fixed at open'); END`,

	`CREATE TRIGGER IF NOT EXISTS epoch_allocations_frozen_insert BEFORE INSERT ON epoch_allocations
WHEN (SELECT status FROM epochs WHERE epoch_id = NEW.epoch_id) = 'finalized'
BEGIN SELECT RAISE(ABORT, 'epoch_frozen: allocations of a finalized epoch'); END`,
	`CREATE TRIGGER IF NOT EXISTS epoch_allocations_frozen_update BEFORE UPDATE ON epoch_allocations
WHEN (SELECT status FROM epochs WHERE epoch_id = OLD.epoch_id) = 'finalized'
BEGIN SELECT RAISE(ABORT, 'epoch_frozen: allocations of a finalized epoch'); END`,
	`CREATE TRIGGER IF NOT EXISTS epoch_allocations_frozen_delete BEFORE DELETE ON epoch_allocations
WHEN (SELECT status FROM epochs WHERE epoch_id = OLD.epoch_id) = 'finalized'
BEGIN SELECT RAISE(ABORT, 'epoch_frozen: allocations of a finalized epoch'); END`,

	`CREATE TRIGGER IF NOT EXISTS epoch_pool_components_frozen_insert BEFORE INSERT ON epoch_pool_components
WHEN (SELECT status FROM epochs WHERE epoch_id = NEW.epoch_id) = 'finalized'
BEGIN SELECT RAISE(ABORT, 'epoch_frozen: pool of a finalized epoch'); END`,
	`CREATE TRIGGER IF NOT EXISTS epoch_pool_components_no_update BEFORE UPDATE ON epoch_pool_components
BEGIN SELECT RAISE(ABORT, 'immutable_violation: pool components are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS epoch_pool_components_no_delete BEFORE DELETE ON epoch_pool_components
BEGIN SELECT RAISE(ABORT, 'immutable_violation: pool components are immutable'); END`,

	`CREATE TRIGGER IF NOT EXISTS payout_statements_no_update BEFORE UPDATE ON payout_statements
BEGIN SELECT RAISE(ABORT, 'immutable_violation: payout statements are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS payout_statements_no_delete BEFORE DELETE ON payout_statements
BEGIN SELECT RAISE(ABORT, 'immutable_violation: payout statements are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS statement_signatures_no_update BEFORE UPDATE ON statement_signatures
BEGIN SELECT RAISE(ABORT, 'immutable_violation: statement signatures are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS statement_signatures_no_delete BEFORE DELETE ON statement_signatures
BEGIN SELECT RAISE(ABORT, 'immutable_violation: statement signatures are immutable'); END`,
}

var postgresFunctions = []string{
	`CREATE OR REPLACE FUNCTION epochledger_reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'immutable_violation: % is immutable', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE FUNCTION epochledger_guard_epoch() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		RAISE EXCEPTION 'immutable_violation: epochs are never deleted';
	END IF;
	IF OLD.status = 'finalized' THEN
		RAISE EXCEPTION 'immutable_violation: epoch is finalized';
	END IF;
	IF NEW.status <> OLD.status AND NOT (
		(OLD.status = 'open' AND NEW.status = 'review') OR
		(OLD.status = 'review' AND NEW.status = 'finalized')) THEN
		RAISE EXCEPTION 'immutable_violation: epoch status only moves forward';
	END IF;
	IF NEW.node_id <> OLD.node_id OR NEW.scope_id <> OLD.scope_id
		OR NEW.period_start <> OLD.period_start OR NEW.period_end <> OLD.period_end
		OR NEW.weight_config <> OLD.weight_config THEN
		RAISE EXCEPTION 'immutable_violation: epoch identity and weights are fixed at open';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE FUNCTION epochledger_guard_epoch_child() RETURNS trigger AS $$
DECLARE
	target TEXT;
BEGIN
	IF TG_OP = 'DELETE' THEN
		target := OLD.epoch_id;
	ELSE
		target := NEW.epoch_id;
	END IF;
	IF (SELECT status FROM epochs WHERE epoch_id = target) = 'finalized' THEN
		RAISE EXCEPTION 'epoch_frozen: % of a finalized epoch', TG_TABLE_NAME;
	END IF;
	IF TG_OP = 'DELETE' THEN
		RETURN OLD;
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE FUNCTION epochledger_guard_curation() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		RAISE EXCEPTION 'immutable_violation: curation rows are never deleted';
	END IF;
	IF ` + frozenFor("OLD.source", "OLD.event_id") + ` THEN
		RAISE EXCEPTION 'epoch_frozen: curation belongs to a finalized epoch';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
}

type pgTrigger struct {
	name, table, timing, fn string
}

var postgresTriggers = []pgTrigger{
	{"activity_events_immutable", "activity_events", "BEFORE UPDATE OR DELETE", "epochledger_reject_mutation"},
	{"activity_curation_guard", "activity_curation", "BEFORE UPDATE OR DELETE", "epochledger_guard_curation"},
	{"epochs_guard", "epochs", "BEFORE UPDATE OR DELETE", "epochledger_guard_epoch"},
	{"epoch_allocations_guard", "epoch_allocations", "BEFORE INSERT OR UPDATE OR DELETE", "epochledger_guard_epoch_child"},
	{"epoch_pool_components_guard", "epoch_pool_components", "BEFORE INSERT", "epochledger_guard_epoch_child"},
	{"epoch_pool_components_immutable", "epoch_pool_components", "BEFORE UPDATE OR DELETE", "epochledger_reject_mutation"},
	{"payout_statements_immutable", "payout_statements", "BEFORE UPDATE OR DELETE", "epochledger_reject_mutation"},
	{"statement_signatures_immutable", "statement_signatures", "BEFORE UPDATE OR DELETE", "epochledger_reject_mutation"},
}

func schemaFor(d Dialect) ([]string, error) {
	stmts := append([]string(nil), commonTables...)
	switch d {
	case DialectSQLite:
		return append(stmts, sqliteTriggers...), nil
	case DialectPostgres:
		stmts = append(stmts, postgresFunctions...)
		for _, t := range postgresTriggers {
			stmts = append(stmts,
				fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, t.name, t.table),
				fmt.Sprintf(`CREATE TRIGGER %s %s ON %s FOR EACH ROW EXECUTE FUNCTION %s()`, t.name, t.timing, t.table, t.fn),
			)
		}
		return stmts, nil
	}
	return nil, fmt.Errorf("unsupported dialect %q", d)
}
