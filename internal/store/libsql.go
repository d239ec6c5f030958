package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/autoflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Tenants ---

func (s *LibSQLStore) UpsertTenant(ctx context.Context, tenant *schema.Tenant) error {
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, industry, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, industry=excluded.industry`,
		tenant.ID, nullStr(tenant.Name), string(tenant.Industry), tenant.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetTenant(ctx context.Context, id string) (*schema.Tenant, error) {
	t := &schema.Tenant{}
	var name sql.NullString
	var industry string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, industry, created_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &name, &industry, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tenant", id)
	}
	if err != nil {
		return nil, err
	}
	t.Name = name.String
	t.Industry = schema.Industry(industry)
	return t, nil
}

// --- Templates ---

func (s *LibSQLStore) CreateTemplate(ctx context.Context, tpl *schema.Template) error {
	tasks, err := json.Marshal(tpl.Tasks)
	if err != nil {
		return fmt.Errorf("marshal template tasks: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM templates WHERE name = ? AND COALESCE(tenant_id, '') = ?`,
		tpl.Name, tpl.TenantID,
	).Scan(&version); err != nil {
		return fmt.Errorf("next template version: %w", err)
	}
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	tpl.Version = version
	tpl.CreatedAt = timeOrNow(tpl.CreatedAt)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO templates (id, name, version, description, tenant_id, industry, trigger_type, tasks, allow_concurrent, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.Name, tpl.Version, nullStr(tpl.Description), nullStr(tpl.TenantID),
		string(tpl.Industry), tpl.TriggerType, string(tasks), tpl.AllowConcurrent, tpl.Active, tpl.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "template %q version %d already exists", tpl.Name, tpl.Version).WithCause(err)
		}
		return fmt.Errorf("insert template: %w", err)
	}
	return tx.Commit()
}

// latestVersionSubquery picks the newest version within one owner's name
// space: shared templates (NULL tenant) and each tenant version separately.
const latestVersionSubquery = `SELECT MAX(t2.version) FROM templates t2
	WHERE t2.name = t.name AND COALESCE(t2.tenant_id, '') = COALESCE(t.tenant_id, '')`

const templateColumns = `id, name, version, description, tenant_id, industry, trigger_type, tasks, allow_concurrent, active, created_at`

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*schema.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tpls, err := scanTemplates(rows)
	if err != nil {
		return nil, err
	}
	if len(tpls) == 0 {
		return nil, storeNotFound("template", id)
	}
	return tpls[0], nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.Template, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "t.name = ?")
		args = append(args, filter.Name)
	}
	if filter.TriggerType != "" {
		where = append(where, "t.trigger_type = ?")
		args = append(args, filter.TriggerType)
	}
	if filter.Industry != "" {
		where = append(where, "t.industry = ?")
		args = append(args, string(filter.Industry))
	}
	if filter.TenantID != "" {
		where = append(where, "(t.tenant_id IS NULL OR t.tenant_id = ?)")
		args = append(args, filter.TenantID)
	}
	if filter.ActiveOnly {
		where = append(where, "t.active = 1")
	}
	if filter.LatestOnly {
		sub := latestVersionSubquery
		if filter.ActiveOnly {
			sub += " AND t2.active = 1"
		}
		where = append(where, "t.version = ("+sub+")")
	}

	query := `SELECT ` + prefixColumns("t", templateColumns) + ` FROM templates t`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY t.name ASC, t.version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTemplates(rows)
}

func (s *LibSQLStore) SetTemplateActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE templates SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

func scanTemplates(rows *sql.Rows) ([]*schema.Template, error) {
	var tpls []*schema.Template
	for rows.Next() {
		t := &schema.Template{}
		var desc, tenantID sql.NullString
		var industry, tasks string
		if err := rows.Scan(&t.ID, &t.Name, &t.Version, &desc, &tenantID, &industry, &t.TriggerType,
			&tasks, &t.AllowConcurrent, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		t.TenantID = tenantID.String
		t.Industry = schema.Industry(industry)
		if err := json.Unmarshal([]byte(tasks), &t.Tasks); err != nil {
			return nil, fmt.Errorf("unmarshal template %s tasks: %w", t.ID, err)
		}
		tpls = append(tpls, t)
	}
	return tpls, rows.Err()
}

// --- Instances ---

const instanceColumns = `id, template_id, template_name, template_version, tasks, allow_concurrent, tenant_id, subject_ref,
	status, current_task_index, attempt, variables, task_entered_at, wake_at, last_error, version,
	created_at, updated_at, completed_at`

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *schema.Instance, events ...*Event) error {
	rec, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}
	if inst.TaskEnteredAt.IsZero() {
		inst.TaskEnteredAt = inst.CreatedAt
	}
	if inst.Version == 0 {
		inst.Version = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (id, template_id, template_name, template_version, tasks, allow_concurrent, tenant_id, subject_ref,
		   status, current_task_index, attempt, variables, task_entered_at, wake_at, last_error, version, active_key,
		   created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TemplateID, inst.TemplateName, inst.TemplateVersion, rec.tasks, inst.AllowConcurrent,
		inst.TenantID, inst.SubjectRef, string(inst.Status), inst.CurrentTaskIndex, inst.Attempt, rec.variables,
		inst.TaskEnteredAt, nullTime(inst.WakeAt), rec.lastError, inst.Version, nullStr(ActiveKey(inst)),
		inst.CreatedAt, inst.UpdatedAt, nullTime(inst.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"active instance already exists for template %s and subject %s", inst.TemplateID, inst.SubjectRef).WithCause(err)
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	if err := insertEvents(ctx, tx, inst.ID, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*schema.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	insts, err := scanInstances(rows)
	if err != nil {
		return nil, err
	}
	if len(insts) == 0 {
		return nil, storeNotFound("instance", id)
	}
	return insts[0], nil
}

func (s *LibSQLStore) FindActiveInstance(ctx context.Context, templateID, subjectRef string) (*schema.Instance, error) {
	insts, err := s.ListInstances(ctx, InstanceFilter{
		TemplateID: templateID,
		SubjectRef: subjectRef,
		Statuses:   NonTerminalStatuses,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(insts) == 0 {
		return nil, nil
	}
	return insts[0], nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.Instance, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.SubjectRef != "" {
		where = append(where, "subject_ref = ?")
		args = append(args, filter.SubjectRef)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.WakeBefore != nil {
		where = append(where, "wake_at IS NOT NULL AND wake_at <= ?")
		args = append(args, filter.WakeBefore.UTC())
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UTC())
	}
	if filter.Unscheduled {
		where = append(where, "wake_at IS NULL")
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *LibSQLStore) CommitStep(ctx context.Context, commit StepCommit) error {
	inst := commit.Instance
	rec, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	now := timeOrNow(commit.Now).UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET status = ?, current_task_index = ?, attempt = ?, variables = ?, task_entered_at = ?,
		   wake_at = ?, last_error = ?, active_key = ?, updated_at = ?, completed_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(inst.Status), inst.CurrentTaskIndex, inst.Attempt, rec.variables, inst.TaskEnteredAt,
		nullTime(inst.WakeAt), rec.lastError, nullStr(ActiveKey(inst)), now, nullTime(inst.CompletedAt),
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return staleInstance(inst.ID, inst.Version)
	}

	for _, e := range commit.Executions {
		if err := insertExecution(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := insertEvents(ctx, tx, inst.ID, commit.Events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	inst.Version++
	inst.UpdatedAt = now
	return nil
}

func scanInstances(rows *sql.Rows) ([]*schema.Instance, error) {
	var insts []*schema.Instance
	for rows.Next() {
		i := &schema.Instance{}
		var tasks, variables, status string
		var lastError sql.NullString
		var wakeAt, completedAt sql.NullTime
		if err := rows.Scan(&i.ID, &i.TemplateID, &i.TemplateName, &i.TemplateVersion, &tasks, &i.AllowConcurrent,
			&i.TenantID, &i.SubjectRef, &status, &i.CurrentTaskIndex, &i.Attempt, &variables, &i.TaskEnteredAt,
			&wakeAt, &lastError, &i.Version, &i.CreatedAt, &i.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		i.Status = schema.InstanceStatus(status)
		if wakeAt.Valid {
			i.WakeAt = &wakeAt.Time
		}
		if completedAt.Valid {
			i.CompletedAt = &completedAt.Time
		}
		if err := decodeInstance(i, tasks, variables, lastError.String); err != nil {
			return nil, err
		}
		insts = append(insts, i)
	}
	return insts, rows.Err()
}

// --- Executions ---

const executionColumns = `id, instance_id, tenant_id, task_index, action_type, attempt, status, result_data, error, started_at, finished_at, hitl`

func insertExecution(ctx context.Context, tx *sql.Tx, e *schema.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	result, err := marshalValues(e.ResultData)
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.InstanceID, e.TenantID, e.TaskIndex, e.ActionType, e.Attempt, string(e.Status),
		result, nullStr(e.Error), e.StartedAt.UTC(), e.FinishedAt.UTC(), e.HITL,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "finished_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.ExcludeHITL {
		where = append(where, "hitl = 0")
	}

	query := `SELECT ` + executionColumns + `, seq FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		// Keep the newest rows, then hand them back oldest first.
		query = fmt.Sprintf(`SELECT `+executionColumns+` FROM (%s ORDER BY finished_at DESC, seq DESC LIMIT %d)`,
			query, filter.Limit)
	} else {
		query = `SELECT ` + executionColumns + ` FROM (` + query + `)`
	}
	query += " ORDER BY finished_at ASC, seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*schema.Execution
	for rows.Next() {
		e := &schema.Execution{}
		var status string
		var result, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.TenantID, &e.TaskIndex, &e.ActionType, &e.Attempt,
			&status, &result, &errMsg, &e.StartedAt, &e.FinishedAt, &e.HITL); err != nil {
			return nil, err
		}
		e.Status = schema.ExecutionStatus(status)
		e.Error = errMsg.String
		if result.Valid && result.String != "" {
			if err := json.Unmarshal([]byte(result.String), &e.ResultData); err != nil {
				return nil, fmt.Errorf("unmarshal execution %s result: %w", e.ID, err)
			}
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- Events ---

func insertEvents(ctx context.Context, tx *sql.Tx, instanceID string, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE instance_id = ?`, instanceID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	for _, e := range events {
		seq++
		e.InstanceID = instanceID
		e.Sequence = seq
		e.Timestamp = timeOrNow(e.Timestamp)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (instance_id, task_index, event_type, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
			instanceID, e.TaskIndex, e.Type, nullRaw(e.Payload), e.Timestamp, seq,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, task_index, event_type, payload, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.TaskIndex, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Candidate templates ---

func (s *LibSQLStore) CreateCandidate(ctx context.Context, c *schema.CandidateTemplate) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	pattern, err := json.Marshal(c.Pattern)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}
	tasks, err := json.Marshal(c.Tasks)
	if err != nil {
		return fmt.Errorf("marshal candidate tasks: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO candidate_templates (id, source_tenant_id, pattern, tasks, frequency, total_sequences, confidence, window_ns, promoted_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SourceTenantID, string(pattern), string(tasks), c.Frequency, c.TotalSequences,
		c.Confidence, int64(c.Window), nullStr(c.PromotedTo), c.CreatedAt,
	)
	return err
}

const candidateColumns = `id, source_tenant_id, pattern, tasks, frequency, total_sequences, confidence, window_ns, promoted_to, created_at`

func (s *LibSQLStore) GetCandidate(ctx context.Context, id string) (*schema.CandidateTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+candidateColumns+` FROM candidate_templates WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cs, err := scanCandidates(rows)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, storeNotFound("candidate", id)
	}
	return cs[0], nil
}

func (s *LibSQLStore) ListCandidates(ctx context.Context, tenantID string) ([]*schema.CandidateTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+candidateColumns+` FROM candidate_templates WHERE source_tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandidates(rows)
}

func (s *LibSQLStore) MarkCandidatePromoted(ctx context.Context, id, templateID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE candidate_templates SET promoted_to = ? WHERE id = ?`, templateID, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "candidate", id)
}

func scanCandidates(rows *sql.Rows) ([]*schema.CandidateTemplate, error) {
	var out []*schema.CandidateTemplate
	for rows.Next() {
		c := &schema.CandidateTemplate{}
		var pattern, tasks string
		var windowNs int64
		var promoted sql.NullString
		if err := rows.Scan(&c.ID, &c.SourceTenantID, &pattern, &tasks, &c.Frequency, &c.TotalSequences,
			&c.Confidence, &windowNs, &promoted, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Window = time.Duration(windowNs)
		c.PromotedTo = promoted.String
		if err := decodeCandidate(c, pattern, tasks); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Stats ---

func (s *LibSQLStore) Stats(ctx context.Context, tenantID string) (*schema.Stats, error) {
	st := &schema.Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM templates
		 WHERE active = 1 AND (tenant_id = ? OR (tenant_id IS NULL AND industry = (SELECT industry FROM tenants WHERE id = ?)))`,
		tenantID, tenantID,
	).Scan(&st.ActiveTemplates)
	if err != nil {
		return nil, fmt.Errorf("count templates: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM instances WHERE tenant_id = ? GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		applyStatusCount(st, schema.InstanceStatus(status), n)
	}
	return st, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AutoflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func staleInstance(id string, version int) *schema.AutoflowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "instance %q changed since version %d", id, version)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
