package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/autoflow/pkg/schema"
)

const (
	defaultPostgresMaxConns   = 20
	defaultPostgresPingTimeout = 3 * time.Second
	pgUniqueViolation         = "23505"
)

// DB is the subset of pgxpool.Pool the Postgres store needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresConfig configures the pgx pool.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// PostgresStore implements Store on PostgreSQL through pgx.
// CommitStep takes a row lock (SELECT ... FOR UPDATE) on the instance.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
	dsn  string
	psql squirrel.StatementBuilderType
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a pgx pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	poolCfg.MaxConns = defaultPostgresMaxConns
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultPostgresPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := NewPostgresStoreWithDB(pool)
	s.pool = pool
	s.dsn = cfg.DSN
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection (a pool, or a mock in tests).
func NewPostgresStoreWithDB(db DB) *PostgresStore {
	return &PostgresStore{
		db:   db,
		psql: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate applies the embedded goose migrations under an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.dsn == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "postgres: migrations need a DSN")
	}
	return ApplyPostgresMigrations(ctx, s.dsn)
}

func (s *PostgresStore) withTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.WarnContext(ctx, "transaction rollback failed", "error", rbErr)
			}
			return
		}
		err = tx.Commit(ctx)
	}()
	return fn(tx)
}

// --- Row types ---

type tenantRow struct {
	ID        string    `db:"id"`
	Name      *string   `db:"name"`
	Industry  string    `db:"industry"`
	CreatedAt time.Time `db:"created_at"`
}

type templateRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	Version         int       `db:"version"`
	Description     *string   `db:"description"`
	TenantID        *string   `db:"tenant_id"`
	Industry        string    `db:"industry"`
	TriggerType     string    `db:"trigger_type"`
	Tasks           []byte    `db:"tasks"`
	AllowConcurrent bool      `db:"allow_concurrent"`
	Active          bool      `db:"active"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r *templateRow) toTemplate() (*schema.Template, error) {
	t := &schema.Template{
		ID:              r.ID,
		Name:            r.Name,
		Version:         r.Version,
		Description:     deref(r.Description),
		TenantID:        deref(r.TenantID),
		Industry:        schema.Industry(r.Industry),
		TriggerType:     r.TriggerType,
		AllowConcurrent: r.AllowConcurrent,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt,
	}
	if err := jsonUnmarshal(r.Tasks, &t.Tasks); err != nil {
		return nil, fmt.Errorf("unmarshal template %s tasks: %w", r.ID, err)
	}
	return t, nil
}

type instanceRow struct {
	ID               string     `db:"id"`
	TemplateID       string     `db:"template_id"`
	TemplateName     string     `db:"template_name"`
	TemplateVersion  int        `db:"template_version"`
	Tasks            []byte     `db:"tasks"`
	AllowConcurrent  bool       `db:"allow_concurrent"`
	TenantID         string     `db:"tenant_id"`
	SubjectRef       string     `db:"subject_ref"`
	Status           string     `db:"status"`
	CurrentTaskIndex int        `db:"current_task_index"`
	Attempt          int        `db:"attempt"`
	Variables        []byte     `db:"variables"`
	TaskEnteredAt    time.Time  `db:"task_entered_at"`
	WakeAt           *time.Time `db:"wake_at"`
	LastError        []byte     `db:"last_error"`
	Version          int        `db:"version"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	CompletedAt      *time.Time `db:"completed_at"`
}

func (r *instanceRow) toInstance() (*schema.Instance, error) {
	inst := &schema.Instance{
		ID:               r.ID,
		TemplateID:       r.TemplateID,
		TemplateName:     r.TemplateName,
		TemplateVersion:  r.TemplateVersion,
		AllowConcurrent:  r.AllowConcurrent,
		TenantID:         r.TenantID,
		SubjectRef:       r.SubjectRef,
		Status:           schema.InstanceStatus(r.Status),
		CurrentTaskIndex: r.CurrentTaskIndex,
		Attempt:          r.Attempt,
		TaskEnteredAt:    r.TaskEnteredAt,
		WakeAt:           r.WakeAt,
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		CompletedAt:      r.CompletedAt,
	}
	if err := decodeInstance(inst, string(r.Tasks), string(r.Variables), string(r.LastError)); err != nil {
		return nil, err
	}
	return inst, nil
}

type executionRow struct {
	ID         string    `db:"id"`
	InstanceID string    `db:"instance_id"`
	TenantID   string    `db:"tenant_id"`
	TaskIndex  int       `db:"task_index"`
	ActionType string    `db:"action_type"`
	Attempt    int       `db:"attempt"`
	Status     string    `db:"status"`
	ResultData []byte    `db:"result_data"`
	Error      *string   `db:"error"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
	HITL       bool      `db:"hitl"`
}

type eventRow struct {
	ID         int64     `db:"id"`
	InstanceID string    `db:"instance_id"`
	TaskIndex  int       `db:"task_index"`
	Type       string    `db:"event_type"`
	Payload    []byte    `db:"payload"`
	Timestamp  time.Time `db:"timestamp"`
	Sequence   int64     `db:"sequence"`
}

type candidateRow struct {
	ID             string    `db:"id"`
	SourceTenantID string    `db:"source_tenant_id"`
	Pattern        []byte    `db:"pattern"`
	Tasks          []byte    `db:"tasks"`
	Frequency      int       `db:"frequency"`
	TotalSequences int       `db:"total_sequences"`
	Confidence     float64   `db:"confidence"`
	WindowNs       int64     `db:"window_ns"`
	PromotedTo     *string   `db:"promoted_to"`
	CreatedAt      time.Time `db:"created_at"`
}

// --- Tenants ---

func (s *PostgresStore) UpsertTenant(ctx context.Context, tenant *schema.Tenant) error {
	tenant.CreatedAt = timeOrNow(tenant.CreatedAt)
	_, err := s.db.Exec(ctx,
		`INSERT INTO tenants (id, name, industry, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, industry = EXCLUDED.industry`,
		tenant.ID, nullStr(tenant.Name), string(tenant.Industry), tenant.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*schema.Tenant, error) {
	var row tenantRow
	err := pgxscan.Get(ctx, s.db, &row, `SELECT id, name, industry, created_at FROM tenants WHERE id = $1`, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, storeNotFound("tenant", id)
		}
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}
	return &schema.Tenant{
		ID: row.ID, Name: deref(row.Name), Industry: schema.Industry(row.Industry), CreatedAt: row.CreatedAt,
	}, nil
}

// --- Templates ---

var templateSelect = []string{
	"t.id", "t.name", "t.version", "t.description", "t.tenant_id", "t.industry", "t.trigger_type",
	"t.tasks", "t.allow_concurrent", "t.active", "t.created_at",
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, tpl *schema.Template) error {
	tasks, err := jsonString(tpl.Tasks)
	if err != nil {
		return fmt.Errorf("marshal template tasks: %w", err)
	}
	return s.withTransaction(ctx, func(tx pgx.Tx) error {
		var version int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM templates WHERE name = $1 AND COALESCE(tenant_id, '') = $2`,
			tpl.Name, tpl.TenantID,
		).Scan(&version); err != nil {
			return fmt.Errorf("next template version: %w", err)
		}
		if tpl.ID == "" {
			tpl.ID = uuid.New().String()
		}
		tpl.Version = version
		tpl.CreatedAt = timeOrNow(tpl.CreatedAt)
		_, err := tx.Exec(ctx,
			`INSERT INTO templates (id, name, version, description, tenant_id, industry, trigger_type, tasks, allow_concurrent, active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			tpl.ID, tpl.Name, tpl.Version, nullStr(tpl.Description), nullStr(tpl.TenantID),
			string(tpl.Industry), tpl.TriggerType, tasks, tpl.AllowConcurrent, tpl.Active, tpl.CreatedAt,
		)
		if err != nil {
			if isPgUniqueViolation(err) {
				return schema.NewErrorf(schema.ErrCodeConflict, "template %q version %d already exists", tpl.Name, tpl.Version).WithCause(err)
			}
			return fmt.Errorf("insert template: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*schema.Template, error) {
	query, args, err := s.psql.Select(templateSelect...).From("templates t").Where(squirrel.Eq{"t.id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var row templateRow
	if err := pgxscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, storeNotFound("template", id)
		}
		return nil, fmt.Errorf("scanning template: %w", err)
	}
	return row.toTemplate()
}

func (s *PostgresStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.Template, error) {
	sb := s.psql.Select(templateSelect...).From("templates t").OrderBy("t.name ASC", "t.version DESC")
	if filter.Name != "" {
		sb = sb.Where(squirrel.Eq{"t.name": filter.Name})
	}
	if filter.TriggerType != "" {
		sb = sb.Where(squirrel.Eq{"t.trigger_type": filter.TriggerType})
	}
	if filter.Industry != "" {
		sb = sb.Where(squirrel.Eq{"t.industry": string(filter.Industry)})
	}
	if filter.TenantID != "" {
		sb = sb.Where(squirrel.Or{squirrel.Eq{"t.tenant_id": nil}, squirrel.Eq{"t.tenant_id": filter.TenantID}})
	}
	if filter.ActiveOnly {
		sb = sb.Where("t.active")
	}
	if filter.LatestOnly {
		sub := latestVersionSubquery
		if filter.ActiveOnly {
			sub += " AND t2.active"
		}
		sb = sb.Where("t.version = (" + sub + ")")
	}
	if filter.Limit > 0 {
		sb = sb.Limit(uint64(filter.Limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*templateRow
	if err := pgxscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("scanning templates: %w", err)
	}
	out := make([]*schema.Template, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTemplate()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PostgresStore) SetTemplateActive(ctx context.Context, id string, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE templates SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("template", id)
	}
	return nil
}

// --- Instances ---

var instanceSelect = []string{
	"id", "template_id", "template_name", "template_version", "tasks", "allow_concurrent", "tenant_id",
	"subject_ref", "status", "current_task_index", "attempt", "variables", "task_entered_at", "wake_at",
	"last_error", "version", "created_at", "updated_at", "completed_at",
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *schema.Instance, events ...*Event) error {
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
	return s.withTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO instances (id, template_id, template_name, template_version, tasks, allow_concurrent, tenant_id, subject_ref,
			   status, current_task_index, attempt, variables, task_entered_at, wake_at, last_error, version, active_key,
			   created_at, updated_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			inst.ID, inst.TemplateID, inst.TemplateName, inst.TemplateVersion, rec.tasks, inst.AllowConcurrent,
			inst.TenantID, inst.SubjectRef, string(inst.Status), inst.CurrentTaskIndex, inst.Attempt, rec.variables,
			inst.TaskEnteredAt, nullTime(inst.WakeAt), rec.lastError, inst.Version, nullStr(ActiveKey(inst)),
			inst.CreatedAt, inst.UpdatedAt, nullTime(inst.CompletedAt),
		)
		if err != nil {
			if isPgUniqueViolation(err) {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"active instance already exists for template %s and subject %s", inst.TemplateID, inst.SubjectRef).WithCause(err)
			}
			return fmt.Errorf("insert instance: %w", err)
		}
		return s.insertEvents(ctx, tx, inst.ID, events)
	})
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*schema.Instance, error) {
	query, args, err := s.psql.Select(instanceSelect...).From("instances").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var row instanceRow
	if err := pgxscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, storeNotFound("instance", id)
		}
		return nil, fmt.Errorf("scanning instance: %w", err)
	}
	return row.toInstance()
}

func (s *PostgresStore) FindActiveInstance(ctx context.Context, templateID, subjectRef string) (*schema.Instance, error) {
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

func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.Instance, error) {
	sb := s.psql.Select(instanceSelect...).From("instances").OrderBy("created_at ASC")
	if filter.TenantID != "" {
		sb = sb.Where(squirrel.Eq{"tenant_id": filter.TenantID})
	}
	if filter.TemplateID != "" {
		sb = sb.Where(squirrel.Eq{"template_id": filter.TemplateID})
	}
	if filter.SubjectRef != "" {
		sb = sb.Where(squirrel.Eq{"subject_ref": filter.SubjectRef})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		sb = sb.Where(squirrel.Eq{"status": statuses})
	}
	if filter.WakeBefore != nil {
		sb = sb.Where(squirrel.LtOrEq{"wake_at": filter.WakeBefore.UTC()})
	}
	if filter.UpdatedBefore != nil {
		sb = sb.Where(squirrel.Lt{"updated_at": filter.UpdatedBefore.UTC()})
	}
	if filter.Unscheduled {
		sb = sb.Where(squirrel.Eq{"wake_at": nil})
	}
	if filter.Limit > 0 {
		sb = sb.Limit(uint64(filter.Limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*instanceRow
	if err := pgxscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("scanning instances: %w", err)
	}
	out := make([]*schema.Instance, 0, len(rows))
	for _, r := range rows {
		inst, err := r.toInstance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *PostgresStore) CommitStep(ctx context.Context, commit StepCommit) error {
	inst := commit.Instance
	rec, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	now := timeOrNow(commit.Now).UTC()
	err = s.withTransaction(ctx, func(tx pgx.Tx) error {
		var current int
		if err := tx.QueryRow(ctx, `SELECT version FROM instances WHERE id = $1 FOR UPDATE`, inst.ID).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return storeNotFound("instance", inst.ID)
			}
			return fmt.Errorf("lock instance: %w", err)
		}
		if current != inst.Version {
			return staleInstance(inst.ID, inst.Version)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE instances SET status = $1, current_task_index = $2, attempt = $3, variables = $4, task_entered_at = $5,
			   wake_at = $6, last_error = $7, active_key = $8, updated_at = $9, completed_at = $10, version = version + 1
			 WHERE id = $11`,
			string(inst.Status), inst.CurrentTaskIndex, inst.Attempt, rec.variables, inst.TaskEnteredAt,
			nullTime(inst.WakeAt), rec.lastError, nullStr(ActiveKey(inst)), now, nullTime(inst.CompletedAt), inst.ID,
		); err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		for _, e := range commit.Executions {
			if err := s.insertExecution(ctx, tx, e); err != nil {
				return err
			}
		}
		return s.insertEvents(ctx, tx, inst.ID, commit.Events)
	})
	if err != nil {
		return err
	}
	inst.Version++
	inst.UpdatedAt = now
	return nil
}

// --- Executions ---

func (s *PostgresStore) insertExecution(ctx context.Context, tx pgx.Tx, e *schema.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	result, err := marshalValues(e.ResultData)
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO executions (id, instance_id, tenant_id, task_index, action_type, attempt, status, result_data, error, started_at, finished_at, hitl)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.InstanceID, e.TenantID, e.TaskIndex, e.ActionType, e.Attempt, string(e.Status),
		result, nullStr(e.Error), e.StartedAt.UTC(), e.FinishedAt.UTC(), e.HITL,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	sb := s.psql.Select("id", "instance_id", "tenant_id", "task_index", "action_type", "attempt", "status",
		"result_data", "error", "started_at", "finished_at", "hitl").
		From("executions")
	if filter.InstanceID != "" {
		sb = sb.Where(squirrel.Eq{"instance_id": filter.InstanceID})
	}
	if filter.TenantID != "" {
		sb = sb.Where(squirrel.Eq{"tenant_id": filter.TenantID})
	}
	if filter.Status != "" {
		sb = sb.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	if filter.Since != nil {
		sb = sb.Where(squirrel.GtOrEq{"finished_at": filter.Since.UTC()})
	}
	if filter.ExcludeHITL {
		sb = sb.Where(squirrel.Eq{"hitl": false})
	}
	if filter.Limit > 0 {
		// Newest first to apply the limit; reversed below.
		sb = sb.OrderBy("finished_at DESC", "seq DESC").Limit(uint64(filter.Limit))
	} else {
		sb = sb.OrderBy("finished_at ASC", "seq ASC")
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*executionRow
	if err := pgxscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("scanning executions: %w", err)
	}
	out := make([]*schema.Execution, 0, len(rows))
	for _, r := range rows {
		e := &schema.Execution{
			ID: r.ID, InstanceID: r.InstanceID, TenantID: r.TenantID, TaskIndex: r.TaskIndex,
			ActionType: r.ActionType, Attempt: r.Attempt, Status: schema.ExecutionStatus(r.Status),
			Error: deref(r.Error), StartedAt: r.StartedAt, FinishedAt: r.FinishedAt, HITL: r.HITL,
		}
		if err := jsonUnmarshal(r.ResultData, &e.ResultData); err != nil {
			return nil, fmt.Errorf("unmarshal execution %s result: %w", r.ID, err)
		}
		out = append(out, e)
	}
	if filter.Limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

// --- Events ---

func (s *PostgresStore) insertEvents(ctx context.Context, tx pgx.Tx, instanceID string, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE instance_id = $1`, instanceID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	for _, e := range events {
		seq++
		e.InstanceID = instanceID
		e.Sequence = seq
		e.Timestamp = timeOrNow(e.Timestamp)
		if _, err := tx.Exec(ctx,
			`INSERT INTO events (instance_id, task_index, event_type, payload, timestamp, sequence) VALUES ($1, $2, $3, $4, $5, $6)`,
			instanceID, e.TaskIndex, e.Type, nullRaw(e.Payload), e.Timestamp, seq,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	var rows []*eventRow
	err := pgxscan.Select(ctx, s.db, &rows,
		`SELECT id, instance_id, task_index, event_type, payload, timestamp, sequence
		 FROM events WHERE instance_id = $1 AND sequence > $2 ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning events: %w", err)
	}
	out := make([]*Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, &Event{
			ID: r.ID, InstanceID: r.InstanceID, TaskIndex: r.TaskIndex, Type: r.Type,
			Payload: r.Payload, Timestamp: r.Timestamp, Sequence: r.Sequence,
		})
	}
	return out, nil
}

// --- Candidate templates ---

func (s *PostgresStore) CreateCandidate(ctx context.Context, c *schema.CandidateTemplate) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	pattern, err := jsonString(c.Pattern)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}
	tasks, err := jsonString(c.Tasks)
	if err != nil {
		return fmt.Errorf("marshal candidate tasks: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO candidate_templates (id, source_tenant_id, pattern, tasks, frequency, total_sequences, confidence, window_ns, promoted_to, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.SourceTenantID, pattern, tasks, c.Frequency, c.TotalSequences,
		c.Confidence, int64(c.Window), nullStr(c.PromotedTo), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

const candidateSelect = `SELECT id, source_tenant_id, pattern, tasks, frequency, total_sequences, confidence, window_ns, promoted_to, created_at FROM candidate_templates`

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*schema.CandidateTemplate, error) {
	var row candidateRow
	if err := pgxscan.Get(ctx, s.db, &row, candidateSelect+` WHERE id = $1`, id); err != nil {
		if pgxscan.NotFound(err) {
			return nil, storeNotFound("candidate", id)
		}
		return nil, fmt.Errorf("scanning candidate: %w", err)
	}
	return row.toCandidate()
}

func (s *PostgresStore) ListCandidates(ctx context.Context, tenantID string) ([]*schema.CandidateTemplate, error) {
	var rows []*candidateRow
	if err := pgxscan.Select(ctx, s.db, &rows,
		candidateSelect+` WHERE source_tenant_id = $1 ORDER BY created_at DESC`, tenantID); err != nil {
		return nil, fmt.Errorf("scanning candidates: %w", err)
	}
	out := make([]*schema.CandidateTemplate, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCandidate()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *candidateRow) toCandidate() (*schema.CandidateTemplate, error) {
	c := &schema.CandidateTemplate{
		ID: r.ID, SourceTenantID: r.SourceTenantID, Frequency: r.Frequency, TotalSequences: r.TotalSequences,
		Confidence: r.Confidence, Window: time.Duration(r.WindowNs), PromotedTo: deref(r.PromotedTo),
		CreatedAt: r.CreatedAt,
	}
	if err := decodeCandidate(c, string(r.Pattern), string(r.Tasks)); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) MarkCandidatePromoted(ctx context.Context, id, templateID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE candidate_templates SET promoted_to = $1 WHERE id = $2`, templateID, id)
	if err != nil {
		return fmt.Errorf("update candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("candidate", id)
	}
	return nil
}

// --- Secrets ---

func (s *PostgresStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO secrets (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, rotated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM secrets WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM secrets WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("secret", key)
	}
	return nil
}

func (s *PostgresStore) ListSecrets(ctx context.Context) ([]string, error) {
	var keys []string
	if err := pgxscan.Select(ctx, s.db, &keys, `SELECT key FROM secrets ORDER BY key`); err != nil {
		return nil, fmt.Errorf("scanning secrets: %w", err)
	}
	return keys, nil
}

// --- Stats ---

func (s *PostgresStore) Stats(ctx context.Context, tenantID string) (*schema.Stats, error) {
	st := &schema.Stats{}
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM templates
		 WHERE active AND (tenant_id = $1 OR (tenant_id IS NULL AND industry = (SELECT industry FROM tenants WHERE id = $1)))`,
		tenantID,
	).Scan(&st.ActiveTemplates); err != nil {
		return nil, fmt.Errorf("count templates: %w", err)
	}
	var counts []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := pgxscan.Select(ctx, s.db, &counts,
		`SELECT status, COUNT(*) AS n FROM instances WHERE tenant_id = $1 GROUP BY status`, tenantID); err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	for _, c := range counts {
		applyStatusCount(st, schema.InstanceStatus(c.Status), c.N)
	}
	return st, nil
}

// --- Helpers ---

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
