package multitenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/store"
)

// ============================================================================
// MULTI-TENANT GATES
// ============================================================================

// Directory is the store surface the gates need; satisfied by store.Store.
type Directory interface {
	GetTenant(ctx context.Context, id string) (*core.Tenant, error)
	GetWorkflow(ctx context.Context, id string) (*core.Workflow, error)
}

// Gatekeeper answers the tenant and workflow gate questions on the hot
// ingest path. Rows are cached with a short TTL: tenants and workflows
// change rarely, and a deactivation taking one TTL to propagate is an
// accepted trade for not hitting the store on every event.
type Gatekeeper struct {
	dir   Directory
	clock core.Clock
	ttl   time.Duration

	mu        sync.RWMutex
	tenants   map[string]cachedTenant
	workflows map[string]cachedWorkflow
}

type cachedTenant struct {
	tenant    *core.Tenant
	fetchedAt time.Time
}

type cachedWorkflow struct {
	workflow  *core.Workflow
	fetchedAt time.Time
}

// NewGatekeeper creates the gate layer. ttl <= 0 selects the 30s default.
func NewGatekeeper(dir Directory, clock core.Clock, ttl time.Duration) *Gatekeeper {
	if clock == nil {
		clock = core.SystemClock()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Gatekeeper{
		dir:       dir,
		clock:     clock,
		ttl:       ttl,
		tenants:   make(map[string]cachedTenant),
		workflows: make(map[string]cachedWorkflow),
	}
}

// CheckTenant passes iff the tenant exists and is active.
func (g *Gatekeeper) CheckTenant(ctx context.Context, tenantID string) (*core.Tenant, error) {
	tenant, err := g.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, core.NewTenantInactiveError(tenantID)
	}
	return tenant, nil
}

// CheckWorkflow passes iff the workflow exists, belongs to the tenant, and
// is active. A workflow owned by another tenant reads as missing.
func (g *Gatekeeper) CheckWorkflow(ctx context.Context, tenantID, workflowID string) (*core.Workflow, error) {
	wf, err := g.workflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.TenantID != tenantID {
		return nil, core.NewNotFoundError("workflow", workflowID)
	}
	if !wf.Active {
		return nil, core.NewWorkflowDisabledError(workflowID, "workflow is disabled")
	}
	return wf, nil
}

// Invalidate drops cached rows for a tenant and its workflows, for callers
// that just mutated them.
func (g *Gatekeeper) Invalidate(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tenants, tenantID)
	for id, cached := range g.workflows {
		if cached.workflow.TenantID == tenantID {
			delete(g.workflows, id)
		}
	}
}

func (g *Gatekeeper) tenant(ctx context.Context, tenantID string) (*core.Tenant, error) {
	now := g.clock.Now()

	g.mu.RLock()
	cached, ok := g.tenants[tenantID]
	g.mu.RUnlock()
	if ok && now.Sub(cached.fetchedAt) < g.ttl {
		return cached.tenant, nil
	}

	tenant, err := g.dir.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.NewNotFoundError("tenant", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}

	g.mu.Lock()
	g.tenants[tenantID] = cachedTenant{tenant: tenant, fetchedAt: now}
	g.mu.Unlock()
	return tenant, nil
}

func (g *Gatekeeper) workflow(ctx context.Context, workflowID string) (*core.Workflow, error) {
	now := g.clock.Now()

	g.mu.RLock()
	cached, ok := g.workflows[workflowID]
	g.mu.RUnlock()
	if ok && now.Sub(cached.fetchedAt) < g.ttl {
		return cached.workflow, nil
	}

	wf, err := g.dir.GetWorkflow(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.NewNotFoundError("workflow", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}

	g.mu.Lock()
	g.workflows[workflowID] = cachedWorkflow{workflow: wf, fetchedAt: now}
	g.mu.Unlock()
	return wf, nil
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// WithTenant adds tenant ID to context
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID extracts tenant ID from context
func GetTenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("tenant context missing")
	}
	return id, nil
}
