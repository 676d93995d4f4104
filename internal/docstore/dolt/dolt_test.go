package dolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/ontoforge/oms/internal/docstore"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"embedded ok", Config{Path: "/tmp/oms"}, false},
		{"embedded no path", Config{Mode: ModeEmbedded}, true},
		{"server ok", Config{Mode: ModeServer, Addr: "127.0.0.1:3306", User: "root"}, false},
		{"server no addr", Config{Mode: ModeServer, User: "root"}, true},
		{"server no user", Config{Mode: ModeServer, Addr: "127.0.0.1:3306"}, true},
		{"unknown mode", Config{Mode: "cloud", Path: "/tmp/oms"}, true},
		{"bad database", Config{Path: "/tmp/oms", Database: "oms;drop"}, true},
		{"bad branch", Config{Path: "/tmp/oms", Branch: "bad branch"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.withDefaults().validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Path: "/tmp/oms"}.withDefaults()
	if cfg.Mode != ModeEmbedded {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.Database == "" || cfg.CommitterName == "" || cfg.CommitterEmail == "" {
		t.Errorf("defaults not filled: %+v", cfg)
	}
	if cfg.OpenTimeout <= 0 {
		t.Errorf("OpenTimeout = %v", cfg.OpenTimeout)
	}
}

func TestValidateRef(t *testing.T) {
	valid := []string{"main", "feature-123", "user_branch", "release/1.2", "v1.0.0"}
	for _, ref := range valid {
		if err := validateRef(ref); err != nil {
			t.Errorf("validateRef(%q) = %v, want nil", ref, err)
		}
	}

	invalid := []string{
		"",
		strings.Repeat("a", 200),
		`main"; DROP TABLE branches; --`,
		"bad branch",
		"tick'tock",
	}
	for _, ref := range invalid {
		if err := validateRef(ref); err == nil {
			t.Errorf("validateRef(%q) = nil, want error", ref)
		}
	}
}

func TestValidateDatabaseName(t *testing.T) {
	for _, name := range []string{"oms", "oms_test", "OMS2"} {
		if err := validateDatabaseName(name); err != nil {
			t.Errorf("validateDatabaseName(%q) = %v", name, err)
		}
	}
	for _, name := range []string{"", "bad-name", "bad`tick", strings.Repeat("x", 65)} {
		if err := validateDatabaseName(name); err == nil {
			t.Errorf("validateDatabaseName(%q) = nil, want error", name)
		}
	}
}

func TestIsSerializationError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"optimistic lock", errors.New("optimistic lock failed on database oms"), true},
		{"serialization failure", errors.New("serialization failure: retry transaction"), true},
		{"error 1213", errors.New("Error 1213: deadlock found"), true},
		{"error 1105", errors.New("Error 1105: unknown error"), true},
		{"nothing to commit", errors.New("Error 1105: nothing to commit"), false},
		{"no changes", errors.New("no changes to commit"), false},
		{"locked", errors.New("database is locked"), false},
		{"missing table", errors.New("table does not exist"), false},
		{"other", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSerializationError(tt.err); got != tt.want {
				t.Errorf("isSerializationError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	retryable := []string{
		"driver: bad connection",
		"invalid connection",
		"write: broken pipe",
		"read: connection reset by peer",
		"dial tcp: connection refused",
		"database is read only",
		"Error 2013: lost connection to MySQL server",
		"MySQL server has gone away",
		"read tcp: i/o timeout",
	}
	for _, msg := range retryable {
		if !isRetryableError(errors.New(msg)) {
			t.Errorf("isRetryableError(%q) = false, want true", msg)
		}
	}
	if isRetryableError(nil) {
		t.Error("isRetryableError(nil) = true")
	}
	if isRetryableError(errors.New("syntax error near SELECT")) {
		t.Error("syntax error classified retryable")
	}
}

func TestIsDuplicateKeyError(t *testing.T) {
	if !isDuplicateKeyError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}) {
		t.Error("mysql 1062 not detected")
	}
	wrapped := fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062})
	if !isDuplicateKeyError(wrapped) {
		t.Error("wrapped mysql 1062 not detected")
	}
	if isDuplicateKeyError(&mysql.MySQLError{Number: 1064}) {
		t.Error("mysql 1064 misclassified")
	}
	if !isDuplicateKeyError(errors.New("duplicate primary key given: [e1]")) {
		t.Error("embedded duplicate not detected")
	}
	if isDuplicateKeyError(errors.New("syntax error")) {
		t.Error("syntax error misclassified")
	}
}

func TestTableSpecsCoverCollections(t *testing.T) {
	for _, coll := range docstore.Collections() {
		if _, ok := tableFor(coll); !ok {
			t.Errorf("collection %s has no table spec", coll)
		}
	}
	if _, ok := tableFor("no_such_collection"); ok {
		t.Error("unknown collection resolved to a table")
	}
}

func TestAuditIndexes(t *testing.T) {
	tbl, ok := tableFor(docstore.CollAuditEvents)
	if !ok {
		t.Fatal("audit_events table missing")
	}
	want := []string{
		"created_at",
		"action",
		"actor_id, created_at",
		"target_kind, target_id",
		"branch, created_at",
		"request_id",
		"correlation_id",
		"retention_until, archived",
		"created_year, created_month",
	}
	if !reflect.DeepEqual(tbl.spec.indexes, want) {
		t.Errorf("audit indexes = %v", tbl.spec.indexes)
	}
	ddl := tbl.spec.createSQL()
	if strings.Count(ddl, "KEY `") != len(want) {
		t.Errorf("DDL has %d KEY clauses, want %d:\n%s", strings.Count(ddl, "KEY `"), len(want), ddl)
	}
}

func TestIndexNameLength(t *testing.T) {
	name := indexName(strings.Repeat("t", 50), "alpha, beta, gamma")
	if len(name) > 64 {
		t.Errorf("index name %q exceeds 64 chars", name)
	}
}

func TestCreateSQL(t *testing.T) {
	tbl, _ := tableFor(docstore.CollLocks)
	ddl := tbl.spec.createSQL()
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS `locks`",
		"`id` VARCHAR(255) NOT NULL PRIMARY KEY",
		"`doc` LONGTEXT NOT NULL",
		"`expires_at` VARCHAR(32)",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("DDL missing %q:\n%s", want, ddl)
		}
	}
}

func TestCompileSelect(t *testing.T) {
	locks, _ := tableFor(docstore.CollLocks)
	outbox, _ := tableFor(docstore.CollOutbox)
	audit, _ := tableFor(docstore.CollAuditEvents)

	tests := []struct {
		name     string
		tbl      *table
		q        docstore.Query
		wantSQL  string
		wantArgs []any
		filter   bool
		postSort bool
		window   bool
	}{
		{
			name:    "full scan",
			tbl:     locks,
			q:       docstore.Query{Collection: docstore.CollLocks},
			wantSQL: "SELECT `id`, `doc` FROM `locks` ORDER BY `id`",
		},
		{
			name:     "eq extracted",
			tbl:      locks,
			q:        docstore.Query{Collection: docstore.CollLocks, Eq: map[string]any{"branch": "main"}},
			wantSQL:  "SELECT `id`, `doc` FROM `locks` WHERE `branch` = ? ORDER BY `id`",
			wantArgs: []any{"main"},
		},
		{
			name:    "eq residual",
			tbl:     locks,
			q:       docstore.Query{Collection: docstore.CollLocks, Eq: map[string]any{"auto_release": true}},
			wantSQL: "SELECT `id`, `doc` FROM `locks` ORDER BY `id`",
			filter:  true,
		},
		{
			name: "outbox poll",
			tbl:  outbox,
			q: docstore.Query{
				Collection: docstore.CollOutbox,
				In:         map[string][]any{"status": {"PENDING", "FAILED"}},
				Ranges:     []docstore.Range{{Field: "next_attempt_at", Op: "<=", Value: "2026-01-01T00:00:00.000000000Z"}},
				OrderBy:    "created_at",
				Limit:      50,
			},
			wantSQL:  "SELECT `id`, `doc` FROM `outbox_events` WHERE `status` IN (?, ?) AND `next_attempt_at` <= ? ORDER BY `created_at`, `id` LIMIT 50",
			wantArgs: []any{"PENDING", "FAILED", "2026-01-01T00:00:00.000000000Z"},
		},
		{
			name:    "empty in matches nothing",
			tbl:     outbox,
			q:       docstore.Query{Collection: docstore.CollOutbox, In: map[string][]any{"status": {}}},
			wantSQL: "SELECT `id`, `doc` FROM `outbox_events` WHERE 1 = 0 ORDER BY `id`",
		},
		{
			name: "desc order with window pushdown",
			tbl:  audit,
			q: docstore.Query{
				Collection: docstore.CollAuditEvents,
				OrderBy:    "created_at",
				Desc:       true,
				Limit:      10,
				Offset:     20,
			},
			wantSQL: "SELECT `id`, `doc` FROM `audit_events` ORDER BY `created_at` DESC, `id` LIMIT 10 OFFSET 20",
		},
		{
			name:     "sorted eq columns",
			tbl:      audit,
			q:        docstore.Query{Collection: docstore.CollAuditEvents, Eq: map[string]any{"success": true, "archived": false}},
			wantSQL:  "SELECT `id`, `doc` FROM `audit_events` WHERE `archived` = ? AND `success` = ? ORDER BY `id`",
			wantArgs: []any{int64(0), int64(1)},
		},
		{
			name:     "eq nil is null probe",
			tbl:      audit,
			q:        docstore.Query{Collection: docstore.CollAuditEvents, Eq: map[string]any{"request_id": nil}},
			wantSQL:  "SELECT `id`, `doc` FROM `audit_events` WHERE `request_id` IS NULL ORDER BY `id`",
		},
		{
			name:     "order on raw field sorts in go",
			tbl:      outbox,
			q:        docstore.Query{Collection: docstore.CollOutbox, OrderBy: "retry_count", Limit: 5},
			wantSQL:  "SELECT `id`, `doc` FROM `outbox_events`",
			postSort: true,
			window:   true,
		},
		{
			name: "residual keeps window in go",
			tbl:  outbox,
			q: docstore.Query{
				Collection: docstore.CollOutbox,
				Eq:         map[string]any{"subject": "main"},
				OrderBy:    "created_at",
				Limit:      3,
			},
			wantSQL: "SELECT `id`, `doc` FROM `outbox_events` ORDER BY `created_at`, `id`",
			filter:  true,
			window:  true,
		},
		{
			name:    "offset without limit",
			tbl:     locks,
			q:       docstore.Query{Collection: docstore.CollLocks, Offset: 3},
			wantSQL: "SELECT `id`, `doc` FROM `locks` ORDER BY `id` LIMIT 18446744073709551615 OFFSET 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := compileSelect(tt.tbl, tt.q)
			if plan.sql != tt.wantSQL {
				t.Errorf("sql = %s\nwant  %s", plan.sql, tt.wantSQL)
			}
			if len(tt.wantArgs) > 0 || len(plan.args) > 0 {
				if !reflect.DeepEqual(plan.args, tt.wantArgs) {
					t.Errorf("args = %#v, want %#v", plan.args, tt.wantArgs)
				}
			}
			if plan.filter != tt.filter || plan.postSort != tt.postSort || plan.window != tt.window {
				t.Errorf("flags filter=%v postSort=%v window=%v, want %v/%v/%v",
					plan.filter, plan.postSort, plan.window, tt.filter, tt.postSort, tt.window)
			}
		})
	}
}

func TestCompileSelectResidualMatches(t *testing.T) {
	outbox, _ := tableFor(docstore.CollOutbox)
	q := docstore.Query{
		Collection: docstore.CollOutbox,
		Eq:         map[string]any{"status": "PENDING", "subject": "main"},
	}
	plan := compileSelect(outbox, q)
	if !plan.filter {
		t.Fatal("expected residual filter")
	}
	if !plan.residual.Matches(docstore.Document{"subject": "main"}) {
		t.Error("residual rejects matching doc")
	}
	if plan.residual.Matches(docstore.Document{"subject": "other"}) {
		t.Error("residual accepts mismatched doc")
	}
	// The pushed-down term must not linger in the residual.
	if _, ok := plan.residual.Eq["status"]; ok {
		t.Error("extracted term left in residual")
	}
}

func TestCompileCount(t *testing.T) {
	locks, _ := tableFor(docstore.CollLocks)

	sqlText, args, _, filter := compileCount(locks, docstore.Query{
		Collection: docstore.CollLocks,
		Eq:         map[string]any{"branch": "main"},
		OrderBy:    "expires_at",
		Limit:      5,
	})
	if filter {
		t.Fatal("fully extracted count should not need a residual pass")
	}
	if sqlText != "SELECT COUNT(*) FROM `locks` WHERE `branch` = ?" {
		t.Errorf("sql = %s", sqlText)
	}
	if !reflect.DeepEqual(args, []any{"main"}) {
		t.Errorf("args = %#v", args)
	}

	sqlText, _, _, filter = compileCount(locks, docstore.Query{
		Collection: docstore.CollLocks,
		Eq:         map[string]any{"reason": "migration"},
	})
	if !filter {
		t.Fatal("residual count should fetch docs")
	}
	if !strings.HasPrefix(sqlText, "SELECT `id`, `doc` FROM `locks`") {
		t.Errorf("sql = %s", sqlText)
	}
}

func TestColumnValue(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{true, int64(1)},
		{false, int64(0)},
		{7, int64(7)},
		{int64(7), int64(7)},
		{json.Number("42"), int64(42)},
		{json.Number("4.5"), 4.5},
		{"PENDING", "PENDING"},
	}
	for _, tt := range tests {
		if got := columnValue(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("columnValue(%#v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestDocCodecRoundTrip(t *testing.T) {
	// Nanosecond timestamps overflow float64 precision; the codec must
	// bring them back intact.
	mtime := int64(1724572800123456789)
	doc := docstore.Document{
		docstore.IDField: "snap-1",
		"path":           "policies/retention.yaml",
		"file_mtime":     mtime,
		"file_size":      int64(2048),
		"signed":         true,
	}
	raw, err := encodeDoc(doc)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeDoc("snap-1", raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != "snap-1" {
		t.Errorf("id = %q", got.ID())
	}
	if got.Int64("file_mtime") != mtime {
		t.Errorf("file_mtime = %d, want %d", got.Int64("file_mtime"), mtime)
	}
	if !got.Bool("signed") {
		t.Error("signed lost in round trip")
	}
}

func TestInsertSQLShape(t *testing.T) {
	tbl, _ := tableFor(docstore.CollBranchState)
	want := "INSERT INTO `branch_state` (`id`, `doc`, `state`) VALUES (?, ?, ?)"
	if tbl.insertSQL != want {
		t.Errorf("insertSQL = %s", tbl.insertSQL)
	}
	wantUpd := "UPDATE `branch_state` SET `doc` = ?, `state` = ? WHERE `id` = ?"
	if tbl.replaceSQL != wantUpd {
		t.Errorf("replaceSQL = %s", tbl.replaceSQL)
	}
}
