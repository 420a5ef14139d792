// Package killswitch provides the operator stop lever: an active switch
// halts ingestion for one workflow, or for a whole tenant when no workflow
// is named. Switches are durable rows, so they survive restarts and apply
// to every instance at once.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/store"
)

// Records is the store surface this package needs; satisfied by store.Store.
type Records interface {
	CreateKillSwitch(ctx context.Context, ks *core.KillSwitch) error
	DeactivateKillSwitch(ctx context.Context, id string, at time.Time) error
	ActiveKillSwitch(ctx context.Context, tenantID, workflowID string) (*core.KillSwitch, error)
	ListKillSwitches(ctx context.Context, tenantID string, activeOnly bool) ([]*core.KillSwitch, error)
}

// Service activates, deactivates, and checks kill switches.
type Service struct {
	records Records
	clock   core.Clock
	logger  *log.Logger
}

func NewService(records Records, clock core.Clock) *Service {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &Service{
		records: records,
		clock:   clock,
		logger:  log.New(log.Writer(), "[KILL-SWITCH] ", log.LstdFlags),
	}
}

// Activate creates an active switch. workflowID may be empty for a
// tenant-wide stop. Reason and actor are required; a stop without an owner
// is not auditable.
func (s *Service) Activate(ctx context.Context, tenantID, workflowID, reason, activatedBy string) (*core.KillSwitch, error) {
	if tenantID == "" {
		return nil, core.NewValidationError("tenant_id is required", nil)
	}
	if reason == "" {
		return nil, core.NewValidationError("reason is required", nil)
	}
	if activatedBy == "" {
		return nil, core.NewValidationError("activated_by is required", nil)
	}

	ks := &core.KillSwitch{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		WorkflowID:  workflowID,
		Active:      true,
		Reason:      reason,
		ActivatedBy: activatedBy,
		ActivatedAt: s.clock.Now(),
	}
	if err := s.records.CreateKillSwitch(ctx, ks); err != nil {
		return nil, fmt.Errorf("activate kill switch: %w", err)
	}

	scope := "tenant-wide"
	if workflowID != "" {
		scope = "workflow " + workflowID
	}
	s.logger.Printf("🛑 Kill switch ACTIVATED: tenant=%s scope=%s by=%s reason=%q",
		tenantID, scope, activatedBy, reason)
	return ks, nil
}

// Deactivate turns a switch off. Deactivating an unknown or already-inactive
// switch returns a not-found error.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.records.DeactivateKillSwitch(ctx, id, s.clock.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.NewNotFoundError("kill switch", id)
		}
		return fmt.Errorf("deactivate kill switch: %w", err)
	}
	s.logger.Printf("✅ Kill switch deactivated: id=%s", id)
	return nil
}

// Check returns the active switch covering (tenant, workflow), preferring a
// workflow-specific switch, or nil when ingestion may proceed.
func (s *Service) Check(ctx context.Context, tenantID, workflowID string) (*core.KillSwitch, error) {
	ks, err := s.records.ActiveKillSwitch(ctx, tenantID, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check kill switch: %w", err)
	}
	return ks, nil
}

// List returns a tenant's switches, newest first.
func (s *Service) List(ctx context.Context, tenantID string, activeOnly bool) ([]*core.KillSwitch, error) {
	return s.records.ListKillSwitches(ctx, tenantID, activeOnly)
}
