package store

import (
	"context"

	"github.com/rendis/autoflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Tenants
	UpsertTenant(ctx context.Context, tenant *schema.Tenant) error
	GetTenant(ctx context.Context, id string) (*schema.Tenant, error)

	// Templates (versioned by copy: CreateTemplate assigns the next version for the name)
	CreateTemplate(ctx context.Context, tpl *schema.Template) error
	GetTemplate(ctx context.Context, id string) (*schema.Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.Template, error)
	SetTemplateActive(ctx context.Context, id string, active bool) error

	// Instances
	CreateInstance(ctx context.Context, inst *schema.Instance, events ...*Event) error
	GetInstance(ctx context.Context, id string) (*schema.Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.Instance, error)
	// FindActiveInstance returns the non-terminal instance for the pair, or nil.
	FindActiveInstance(ctx context.Context, templateID, subjectRef string) (*schema.Instance, error)
	CommitStep(ctx context.Context, commit StepCommit) error

	// Executions (append-only, written through CommitStep)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	// Audit log (append-only, written through CreateInstance and CommitStep)
	ListEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)

	// Candidate templates
	CreateCandidate(ctx context.Context, c *schema.CandidateTemplate) error
	GetCandidate(ctx context.Context, id string) (*schema.CandidateTemplate, error)
	ListCandidates(ctx context.Context, tenantID string) ([]*schema.CandidateTemplate, error)
	MarkCandidatePromoted(ctx context.Context, id, templateID string) error

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	Stats(ctx context.Context, tenantID string) (*schema.Stats, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
