package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ontoforge/oms/internal/docstore"
)

// schemaVersion gates DDL: when the stored version is current the open
// path skips the per-table CREATE statements.
const schemaVersion = 1

// column is an extracted field: stored next to the JSON document so
// filters, ordering and indexes run on plain columns. Values are
// written on every insert and replace from the same-named document
// field; the document stays the source of truth.
type column struct {
	name    string
	sqlType string
}

// wireTime fits docstore.FormatTime output; lexicographic order is
// chronological order.
const wireTime = "VARCHAR(32)"

// tableSpec maps one collection onto a table.
type tableSpec struct {
	name string
	cols []column

	// indexes are comma-separated column lists.
	indexes []string
}

var tableSpecs = []tableSpec{
	{
		name: docstore.CollBranches,
		cols: []column{
			{"name", "VARCHAR(255)"},
			{"parent", "VARCHAR(255)"},
			{"protected", "TINYINT(1)"},
			{"created_at", wireTime},
		},
		indexes: []string{"name"},
	},
	{
		name: docstore.CollSchemaCommits,
		cols: []column{
			{"branch", "VARCHAR(255)"},
			{"parent", "VARCHAR(64)"},
			{"created_at", wireTime},
		},
		indexes: []string{"branch, created_at"},
	},
	{
		name: docstore.CollLocks,
		cols: []column{
			{"branch", "VARCHAR(255)"},
			{"kind", "VARCHAR(32)"},
			{"scope", "VARCHAR(32)"},
			{"holder_id", "VARCHAR(255)"},
			{"expires_at", wireTime},
		},
		indexes: []string{"branch", "expires_at"},
	},
	{
		name: docstore.CollBranchState,
		cols: []column{
			{"state", "VARCHAR(32)"},
		},
	},
	{
		name: docstore.CollBranchJournal,
		cols: []column{
			{"branch", "VARCHAR(255)"},
			{"at", wireTime},
		},
		indexes: []string{"branch, at"},
	},
	{
		name: docstore.CollOutbox,
		cols: []column{
			{"event_type", "VARCHAR(255)"},
			{"status", "VARCHAR(32)"},
			{"created_at", wireTime},
			{"next_attempt_at", wireTime},
			{"processed_at", wireTime},
			{"correlation_id", "VARCHAR(255)"},
		},
		indexes: []string{
			"status, next_attempt_at",
			"created_at",
			"correlation_id",
		},
	},
	{
		name: docstore.CollOutboxIdem,
		cols: []column{
			{"event_id", "VARCHAR(64)"},
			{"created_at", wireTime},
		},
	},
	{
		name: docstore.CollAuditEvents,
		cols: []column{
			{"created_at", wireTime},
			{"created_year", "INT"},
			{"created_month", "INT"},
			{"action", "VARCHAR(128)"},
			{"actor_id", "VARCHAR(255)"},
			{"target_kind", "VARCHAR(64)"},
			{"target_id", "VARCHAR(255)"},
			{"branch", "VARCHAR(255)"},
			{"success", "TINYINT(1)"},
			{"request_id", "VARCHAR(64)"},
			{"correlation_id", "VARCHAR(255)"},
			{"retention_until", wireTime},
			{"archived", "TINYINT(1)"},
		},
		indexes: []string{
			"created_at",
			"action",
			"actor_id, created_at",
			"target_kind, target_id",
			"branch, created_at",
			"request_id",
			"correlation_id",
			"retention_until, archived",
			"created_year, created_month",
		},
	},
	{
		name: docstore.CollAuditIntegrity,
		cols: []column{
			{"created_at", wireTime},
		},
	},
	{
		name: docstore.CollAuditRetention,
		cols: []column{
			{"ran_at", wireTime},
		},
	},
	{
		name: docstore.CollPolicySnapshots,
		cols: []column{
			{"path", "VARCHAR(512)"},
		},
		indexes: []string{"path"},
	},
}

// table is a compiled spec: the column map resolves document fields to
// SQL columns during query compilation and the statement strings are
// rendered once at startup.
type table struct {
	spec tableSpec
	cols map[string]string

	insertSQL  string
	replaceSQL string
	deleteSQL  string
	getSQL     string
	existsSQL  string
}

var tableIndex = buildTableIndex()

func buildTableIndex() map[string]*table {
	m := make(map[string]*table, len(tableSpecs))
	for _, spec := range tableSpecs {
		cols := map[string]string{docstore.IDField: "id"}
		for _, c := range spec.cols {
			cols[c.name] = c.name
		}
		m[spec.name] = &table{
			spec:       spec,
			cols:       cols,
			insertSQL:  spec.insertSQL(),
			replaceSQL: spec.replaceSQL(),
			deleteSQL:  fmt.Sprintf("DELETE FROM `%s` WHERE `id` = ?", spec.name),
			getSQL:     fmt.Sprintf("SELECT `doc` FROM `%s` WHERE `id` = ?", spec.name),
			existsSQL:  fmt.Sprintf("SELECT 1 FROM `%s` WHERE `id` = ?", spec.name),
		}
	}
	return m
}

func tableFor(collection string) (*table, bool) {
	t, ok := tableIndex[collection]
	return t, ok
}

// createSQL renders the DDL for one collection.
func (t tableSpec) createSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS `%s` (\n", t.name)
	b.WriteString("  `id` VARCHAR(255) NOT NULL PRIMARY KEY,\n")
	// LONGTEXT, not JSON: the engine's JSON type re-parses numbers as
	// doubles, which would truncate nanosecond timestamps.
	b.WriteString("  `doc` LONGTEXT NOT NULL")
	for _, c := range t.cols {
		fmt.Fprintf(&b, ",\n  `%s` %s", c.name, c.sqlType)
	}
	for _, idx := range t.indexes {
		fmt.Fprintf(&b, ",\n  KEY `%s` (%s)", indexName(t.name, idx), quoteColumns(idx))
	}
	b.WriteString("\n)")
	return b.String()
}

func (t tableSpec) insertSQL() string {
	names := []string{"`id`", "`doc`"}
	ph := []string{"?", "?"}
	for _, c := range t.cols {
		names = append(names, "`"+c.name+"`")
		ph = append(ph, "?")
	}
	return fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)",
		t.name, strings.Join(names, ", "), strings.Join(ph, ", "))
}

func (t tableSpec) replaceSQL() string {
	sets := []string{"`doc` = ?"}
	for _, c := range t.cols {
		sets = append(sets, "`"+c.name+"` = ?")
	}
	return fmt.Sprintf("UPDATE `%s` SET %s WHERE `id` = ?",
		t.name, strings.Join(sets, ", "))
}

func indexName(tbl, cols string) string {
	flat := strings.ReplaceAll(strings.ReplaceAll(cols, ", ", "_"), ",", "_")
	name := "idx_" + tbl + "_" + flat
	// MySQL identifiers cap at 64 characters.
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func quoteColumns(cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = "`" + strings.TrimSpace(p) + "`"
	}
	return strings.Join(parts, ", ")
}

// initSchema provisions every collection table. Idempotent; a stored
// schema version short-circuits the DDL on warm opens.
func initSchema(ctx context.Context, db *sql.DB) error {
	var v int
	err := db.QueryRowContext(ctx, "SELECT `value` FROM `schema_meta` WHERE `key` = 'schema_version'").Scan(&v)
	if err == nil && v >= schemaVersion {
		return nil
	}

	if _, err := db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS `schema_meta` (`key` VARCHAR(64) NOT NULL PRIMARY KEY, `value` INT NOT NULL)"); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}
	for _, spec := range tableSpecs {
		if _, err := db.ExecContext(ctx, spec.createSQL()); err != nil {
			return fmt.Errorf("create table %s: %w", spec.name, err)
		}
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO `schema_meta` (`key`, `value`) VALUES ('schema_version', ?) ON DUPLICATE KEY UPDATE `value` = VALUES(`value`)",
		schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}
