package templates

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stencilhq/stencil/internal/auth"
	"go.uber.org/zap"
)

// Event types emitted on template lifecycle transitions.
const (
	EventStatusChanged  = "status.changed"
	EventVersionChanged = "version.changed"
)

const (
	opServiceNew        = "templates.service.new"
	opCreateTemplate    = "templates.create"
	opUpdateTemplate    = "templates.update"
	opDeleteTemplate    = "templates.delete"
	opDuplicateTemplate = "templates.duplicate"
	opListTemplates     = "templates.list"
	opCreateFolder      = "templates.folder.create"
	opDeleteFolder      = "templates.folder.delete"
	opListFolders       = "templates.folder.list"
	opRequestApproval   = "templates.approval.request"
	opApproveTemplate   = "templates.approval.approve"
	opRejectTemplate    = "templates.approval.reject"
	opListApprovals     = "templates.approval.list"
	opArchiveTemplate   = "templates.archive"
)

const (
	actionCreate = "create"
	actionDelete = "delete"
	actionMove   = "move"
)

var (
	errMissingStore      = errors.New("entity store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// EntityStore is the durable-store contract the coordinator requires. Any
// backend providing per-entity atomic compare-and-swap satisfies it.
type EntityStore interface {
	GetTemplate(ctx context.Context, domain, templateID string) (Template, error)
	InsertTemplate(ctx context.Context, record Template) error
	CompareAndSwapTemplate(ctx context.Context, record Template, expectedVersion int64, expectedStatus TemplateStatus) error
	DeleteTemplate(ctx context.Context, domain, templateID string) error
	ListTemplates(ctx context.Context, domain string, filter TemplateFilter) ([]Template, error)

	GetFolder(ctx context.Context, domain, folderID string) (Folder, error)
	InsertFolder(ctx context.Context, record Folder) error
	DeleteFolder(ctx context.Context, domain, folderID string) error
	ListFolders(ctx context.Context, domain string) ([]Folder, error)

	InsertApprovalRequest(ctx context.Context, record ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, domain, requestID string) (ApprovalRequest, error)
	PendingRequestForTemplate(ctx context.Context, domain, templateID string) (*ApprovalRequest, error)
	CloseApprovalRequest(ctx context.Context, requestID string, closure ApprovalClosure) (ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, domain, templateID string) ([]ApprovalRequest, error)
}

// EventPublisher receives lifecycle transitions for fan-out to sessions
// watching the template.
type EventPublisher interface {
	PublishEvent(eventType, templateID string, payload map[string]interface{}, occurredAt time.Time)
}

// ServiceConfig describes the dependencies of the coordinator service.
type ServiceConfig struct {
	Store      EntityStore
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Events     EventPublisher
}

// Service owns template lifecycle state: creation, optimistic content
// mutation, the approval workflow, folders, and bulk operations.
type Service struct {
	store      EntityStore
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	events     EventPublisher
}

// NewService constructs the coordinator service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		events:     cfg.Events,
	}, nil
}

// CreateTemplateInput carries the fields of a new template.
type CreateTemplateInput struct {
	Name             string
	Subject          string
	HTMLContent      string
	PlainTextContent string
	FolderID         *string
	Tags             []string
}

// CreateTemplate provisions a new draft at version 1.
func (s *Service) CreateTemplate(ctx context.Context, actor auth.Identity, input CreateTemplateInput) (Template, error) {
	if !actor.Permissions.CanCreate {
		return Template{}, &PermissionDeniedError{UserID: actor.UserID, Action: actionCreate}
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Template{}, &InvalidInputError{Reason: "template name is required"}
	}
	if input.FolderID != nil {
		if _, err := s.store.GetFolder(ctx, actor.Domain, *input.FolderID); err != nil {
			return Template{}, err
		}
	}

	templateID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateTemplate, "id_generation_failed", err)
		return Template{}, newServiceError(opCreateTemplate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	record := Template{
		TemplateID:            templateID,
		Domain:                actor.Domain,
		FolderID:              input.FolderID,
		Name:                  name,
		Subject:               input.Subject,
		HTMLContent:           input.HTMLContent,
		PlainTextContent:      input.PlainTextContent,
		Status:                StatusDraft,
		Enabled:               false,
		Version:               1,
		CreatedBy:             actor.UserID,
		CreatedAtSeconds:      now,
		LastModifiedBy:        actor.UserID,
		LastModifiedAtSeconds: now,
	}
	record.SetTags(input.Tags)
	recomputeVariables(&record)

	if err := s.store.InsertTemplate(ctx, record); err != nil {
		s.logError(opCreateTemplate, "insert_failed", err, zap.String("template_id", templateID))
		return Template{}, newServiceError(opCreateTemplate, "insert_failed", err)
	}
	return record, nil
}

// GetTemplate loads one template in the actor's domain.
func (s *Service) GetTemplate(ctx context.Context, actor auth.Identity, templateID string) (Template, error) {
	return s.store.GetTemplate(ctx, actor.Domain, templateID)
}

// ListTemplates returns the actor's domain templates matching the filter.
func (s *Service) ListTemplates(ctx context.Context, actor auth.Identity, filter TemplateFilter) ([]Template, error) {
	records, err := s.store.ListTemplates(ctx, actor.Domain, filter)
	if err != nil {
		s.logError(opListTemplates, "query_failed", err, zap.String("domain", actor.Domain))
		return nil, newServiceError(opListTemplates, "query_failed", err)
	}
	return records, nil
}

// TemplatePatch describes the optional field updates of UpdateTemplate.
// Nil pointers leave the field untouched; TagsSet and FolderSet distinguish
// "not supplied" from "clear".
type TemplatePatch struct {
	Name             *string
	Subject          *string
	HTMLContent      *string
	PlainTextContent *string
	Tags             []string
	TagsSet          bool
	FolderID         *string
	FolderSet        bool
}

func (p TemplatePatch) touchesContent() bool {
	return p.Subject != nil || p.HTMLContent != nil || p.PlainTextContent != nil
}

// UpdateTemplate applies a patch through the version guard. A content
// change on an approved template demotes it back to draft, forcing a new
// approval cycle. Advisory locks are deliberately not consulted here: the
// expected-version check is the real safety net.
func (s *Service) UpdateTemplate(ctx context.Context, actor auth.Identity, templateID string, expectedVersion int64, patch TemplatePatch) (Template, error) {
	if patch.FolderSet && patch.FolderID != nil {
		if _, err := s.store.GetFolder(ctx, actor.Domain, *patch.FolderID); err != nil {
			return Template{}, err
		}
	}

	var priorStatus TemplateStatus
	updated, err := s.applyGuarded(ctx, actor.Domain, templateID, expectedVersion, actor.UserID,
		func(current Template, updated *Template) error {
			priorStatus = current.Status
			if err := checkEdit(current, actor); err != nil {
				return err
			}
			if patch.Name != nil {
				name := strings.TrimSpace(*patch.Name)
				if name == "" {
					return &InvalidInputError{Reason: "template name cannot be empty"}
				}
				updated.Name = name
			}
			if patch.Subject != nil {
				updated.Subject = *patch.Subject
			}
			if patch.HTMLContent != nil {
				updated.HTMLContent = *patch.HTMLContent
			}
			if patch.PlainTextContent != nil {
				updated.PlainTextContent = *patch.PlainTextContent
			}
			if patch.TagsSet {
				updated.SetTags(patch.Tags)
			}
			if patch.FolderSet {
				updated.FolderID = patch.FolderID
			}
			if patch.touchesContent() {
				applyEditDemotion(updated)
				if current.Status == StatusArchived {
					// Editing an archived template revives it as a draft.
					updated.Status = StatusDraft
					updated.ApprovedBy = nil
					updated.ApprovedAtSeconds = nil
				}
			}
			return nil
		})
	if err != nil {
		return Template{}, err
	}

	s.publishVersionChanged(updated, actor.UserID)
	if updated.Status != priorStatus {
		s.publishStatusChanged(updated, actor.UserID)
	}
	return updated, nil
}

// DeleteTemplate removes a template; pending approval requests go with it.
func (s *Service) DeleteTemplate(ctx context.Context, actor auth.Identity, templateID string) error {
	if !actor.Permissions.CanDelete {
		return &PermissionDeniedError{UserID: actor.UserID, Action: actionDelete}
	}
	return s.store.DeleteTemplate(ctx, actor.Domain, templateID)
}

// DuplicateTemplate copies content, tags, and folder into a fresh draft at
// version 1 with a clean approval history.
func (s *Service) DuplicateTemplate(ctx context.Context, actor auth.Identity, templateID, newName string) (Template, error) {
	source, err := s.store.GetTemplate(ctx, actor.Domain, templateID)
	if err != nil {
		return Template{}, err
	}
	name := strings.TrimSpace(newName)
	if name == "" {
		name = source.Name + " (copy)"
	}
	return s.CreateTemplate(ctx, actor, CreateTemplateInput{
		Name:             name,
		Subject:          source.Subject,
		HTMLContent:      source.HTMLContent,
		PlainTextContent: source.PlainTextContent,
		FolderID:         source.FolderID,
		Tags:             source.Tags(),
	})
}

// MoveTemplate reassigns a template's folder (nil means root). The move is
// a metadata mutation: it consumes a version but never demotes status.
func (s *Service) MoveTemplate(ctx context.Context, actor auth.Identity, templateID string, folderID *string) (Template, error) {
	if !actor.Permissions.CanEdit {
		return Template{}, &PermissionDeniedError{UserID: actor.UserID, Action: actionMove}
	}
	if folderID != nil {
		if _, err := s.store.GetFolder(ctx, actor.Domain, *folderID); err != nil {
			return Template{}, err
		}
	}
	current, err := s.store.GetTemplate(ctx, actor.Domain, templateID)
	if err != nil {
		return Template{}, err
	}
	updated, err := s.applyGuarded(ctx, actor.Domain, templateID, current.Version, actor.UserID,
		func(_ Template, updated *Template) error {
			updated.FolderID = folderID
			return nil
		})
	if err != nil {
		return Template{}, err
	}
	s.publishVersionChanged(updated, actor.UserID)
	return updated, nil
}

// CreateFolderInput carries the fields of a new folder.
type CreateFolderInput struct {
	Name  string
	Color *string
}

// CreateFolder provisions a folder in the actor's domain.
func (s *Service) CreateFolder(ctx context.Context, actor auth.Identity, input CreateFolderInput) (Folder, error) {
	if !actor.Permissions.CanCreate {
		return Folder{}, &PermissionDeniedError{UserID: actor.UserID, Action: actionCreate}
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Folder{}, &InvalidInputError{Reason: "folder name is required"}
	}

	folderID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateFolder, "id_generation_failed", err)
		return Folder{}, newServiceError(opCreateFolder, "id_generation_failed", err)
	}
	record := Folder{
		FolderID:         folderID,
		Domain:           actor.Domain,
		Name:             name,
		Color:            input.Color,
		CreatedBy:        actor.UserID,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.store.InsertFolder(ctx, record); err != nil {
		s.logError(opCreateFolder, "insert_failed", err, zap.String("folder_id", folderID))
		return Folder{}, newServiceError(opCreateFolder, "insert_failed", err)
	}
	return record, nil
}

// ListFolders returns the actor's domain folders.
func (s *Service) ListFolders(ctx context.Context, actor auth.Identity) ([]Folder, error) {
	records, err := s.store.ListFolders(ctx, actor.Domain)
	if err != nil {
		s.logError(opListFolders, "query_failed", err, zap.String("domain", actor.Domain))
		return nil, newServiceError(opListFolders, "query_failed", err)
	}
	return records, nil
}

// DeleteFolder removes a folder; its templates detach to the root.
func (s *Service) DeleteFolder(ctx context.Context, actor auth.Identity, folderID string) error {
	if !actor.Permissions.CanDelete {
		return &PermissionDeniedError{UserID: actor.UserID, Action: actionDelete}
	}
	return s.store.DeleteFolder(ctx, actor.Domain, folderID)
}

// RequestApprovalInput carries the fields of a new approval cycle.
type RequestApprovalInput struct {
	Approvers      []string
	ChangesSummary string
}

// RequestApproval opens an approval cycle for a draft. When a pending
// request already exists the call is an idempotent success returning it.
func (s *Service) RequestApproval(ctx context.Context, actor auth.Identity, templateID string, input RequestApprovalInput) (ApprovalRequest, error) {
	current, err := s.store.GetTemplate(ctx, actor.Domain, templateID)
	if err != nil {
		return ApprovalRequest{}, err
	}

	pending, err := s.store.PendingRequestForTemplate(ctx, actor.Domain, templateID)
	if err != nil {
		s.logError(opRequestApproval, "pending_lookup_failed", err, zap.String("template_id", templateID))
		return ApprovalRequest{}, newServiceError(opRequestApproval, "pending_lookup_failed", err)
	}
	if pending != nil {
		return *pending, nil
	}

	if err := checkRequestApproval(current); err != nil {
		return ApprovalRequest{}, err
	}

	// The status swap is the race arbiter: of two concurrent requests only
	// one moves draft -> pending_approval and files the request row.
	updated, err := s.swapStatus(ctx, current, func(updated *Template) {
		updated.Status = StatusPendingApproval
	})
	if err != nil {
		if pending := s.awaitPendingRequest(ctx, actor.Domain, templateID); pending != nil {
			return *pending, nil
		}
		return ApprovalRequest{}, s.mapSwapConflict(err, current.Version)
	}

	requestID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRequestApproval, "id_generation_failed", err)
		return ApprovalRequest{}, newServiceError(opRequestApproval, "id_generation_failed", err)
	}
	request := ApprovalRequest{
		RequestID:          requestID,
		TemplateID:         templateID,
		Domain:             actor.Domain,
		TemplateVersion:    current.Version,
		RequestedBy:        actor.UserID,
		RequestedAtSeconds: s.clock().UTC().Unix(),
		Status:             ApprovalPending,
		ChangesSummary:     input.ChangesSummary,
	}
	request.SetApprovers(input.Approvers)
	if err := s.store.InsertApprovalRequest(ctx, request); err != nil {
		s.logError(opRequestApproval, "insert_failed", err, zap.String("template_id", templateID))
		return ApprovalRequest{}, newServiceError(opRequestApproval, "insert_failed", err)
	}

	s.publishStatusChanged(updated, actor.UserID)
	return request, nil
}

// awaitPendingRequest resolves the winner's request row after a lost
// draft -> pending_approval swap. The winner files its row only after the
// swap commits, so a missing row while the template already reads
// pending_approval means the insert is still in flight.
func (s *Service) awaitPendingRequest(ctx context.Context, domain, templateID string) *ApprovalRequest {
	for attempt := 0; attempt < 3; attempt++ {
		pending, err := s.store.PendingRequestForTemplate(ctx, domain, templateID)
		if err != nil {
			return nil
		}
		if pending != nil {
			return pending
		}
		current, err := s.store.GetTemplate(ctx, domain, templateID)
		if err != nil || current.Status != StatusPendingApproval {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// ApproveTemplate closes the pending cycle as approved and enables the
// template. Approval is a status change: the version is untouched.
func (s *Service) ApproveTemplate(ctx context.Context, actor auth.Identity, templateID, comments string) (Template, error) {
	current, err := s.store.GetTemplate(ctx, actor.Domain, templateID)
	if err != nil {
		return Template{}, err
	}
	pending, err := s.store.PendingRequestForTemplate(ctx, actor.Domain, templateID)
	if err != nil {
		s.logError(opApproveTemplate, "pending_lookup_failed", err, zap.String("template_id", templateID))
		return Template{}, newServiceError(opApproveTemplate, "pending_lookup_failed", err)
	}
	if pending == nil {
		return Template{}, &InvalidTransitionError{From: current.Status, Event: "approve", Reason: "no pending approval request"}
	}
	if err := checkApprove(current, *pending, actor); err != nil {
		return Template{}, err
	}

	decidedAt := s.clock().UTC().Unix()
	approver := actor.UserID
	updated, err := s.swapStatus(ctx, current, func(updated *Template) {
		updated.Status = StatusApproved
		updated.Enabled = true
		updated.ApprovedBy = &approver
		updated.ApprovedAtSeconds = &decidedAt
	})
	if err != nil {
		return Template{}, s.reviseDecisionConflict(ctx, actor, templateID, err)
	}

	if _, err := s.store.CloseApprovalRequest(ctx, pending.RequestID, ApprovalClosure{
		Status:           ApprovalApproved,
		DecidedBy:        actor.UserID,
		DecidedAtSeconds: decidedAt,
		Comments:         comments,
	}); err != nil {
		s.logError(opApproveTemplate, "request_close_failed", err, zap.String("request_id", pending.RequestID))
		s.revertDecisionSwap(ctx, opApproveTemplate, updated, current)
		return Template{}, newServiceError(opApproveTemplate, "request_close_failed", err)
	}

	s.publishStatusChanged(updated, actor.UserID)
	return updated, nil
}

// RejectTemplate closes the pending cycle as rejected and reopens the
// draft. Comments are mandatory.
func (s *Service) RejectTemplate(ctx context.Context, actor auth.Identity, templateID, comments string) (Template, error) {
	current, err := s.store.GetTemplate(ctx, actor.Domain, templateID)
	if err != nil {
		return Template{}, err
	}
	pending, err := s.store.PendingRequestForTemplate(ctx, actor.Domain, templateID)
	if err != nil {
		s.logError(opRejectTemplate, "pending_lookup_failed", err, zap.String("template_id", templateID))
		return Template{}, newServiceError(opRejectTemplate, "pending_lookup_failed", err)
	}
	if pending == nil {
		return Template{}, &InvalidTransitionError{From: current.Status, Event: "reject", Reason: "no pending approval request"}
	}
	if err := checkReject(current, *pending, actor, comments); err != nil {
		return Template{}, err
	}

	updated, err := s.swapStatus(ctx, current, func(updated *Template) {
		updated.Status = StatusDraft
	})
	if err != nil {
		return Template{}, s.reviseDecisionConflict(ctx, actor, templateID, err)
	}

	if _, err := s.store.CloseApprovalRequest(ctx, pending.RequestID, ApprovalClosure{
		Status:           ApprovalRejected,
		DecidedBy:        actor.UserID,
		DecidedAtSeconds: s.clock().UTC().Unix(),
		Comments:         comments,
	}); err != nil {
		s.logError(opRejectTemplate, "request_close_failed", err, zap.String("request_id", pending.RequestID))
		s.revertDecisionSwap(ctx, opRejectTemplate, updated, current)
		return Template{}, newServiceError(opRejectTemplate, "request_close_failed", err)
	}

	s.publishStatusChanged(updated, actor.UserID)
	return updated, nil
}

// ArchiveTemplate retires a template from any live state, disabling it and
// force-closing any pending approval cycle.
func (s *Service) ArchiveTemplate(ctx context.Context, actor auth.Identity, templateID string) (Template, error) {
	current, err := s.store.GetTemplate(ctx, actor.Domain, templateID)
	if err != nil {
		return Template{}, err
	}
	if err := checkArchive(current, actor); err != nil {
		return Template{}, err
	}

	updated, err := s.swapStatus(ctx, current, func(updated *Template) {
		updated.Status = StatusArchived
		updated.Enabled = false
		updated.ApprovedBy = nil
		updated.ApprovedAtSeconds = nil
	})
	if err != nil {
		return Template{}, s.mapSwapConflict(err, current.Version)
	}

	if pending, lookupErr := s.store.PendingRequestForTemplate(ctx, actor.Domain, templateID); lookupErr == nil && pending != nil {
		if _, closeErr := s.store.CloseApprovalRequest(ctx, pending.RequestID, ApprovalClosure{
			Status:           ApprovalRejected,
			DecidedBy:        actor.UserID,
			DecidedAtSeconds: s.clock().UTC().Unix(),
			Comments:         systemArchiveComment,
		}); closeErr != nil && !errors.Is(closeErr, ErrRequestAlreadyClosed) {
			s.logError(opArchiveTemplate, "request_close_failed", closeErr, zap.String("request_id", pending.RequestID))
		}
	}

	s.publishStatusChanged(updated, actor.UserID)
	return updated, nil
}

// ListApprovalRequests returns a template's approval history.
func (s *Service) ListApprovalRequests(ctx context.Context, actor auth.Identity, templateID string) ([]ApprovalRequest, error) {
	records, err := s.store.ListApprovalRequests(ctx, actor.Domain, templateID)
	if err != nil {
		s.logError(opListApprovals, "query_failed", err, zap.String("template_id", templateID))
		return nil, newServiceError(opListApprovals, "query_failed", err)
	}
	return records, nil
}

// reviseDecisionConflict re-derives a precise workflow error after an
// approval decision lost its status swap.
// revertDecisionSwap undoes a decision status swap whose request closure
// failed, restoring the pending state so the cycle can be decided again.
// Best effort: a concurrent writer may already have moved the template on.
func (s *Service) revertDecisionSwap(ctx context.Context, op string, applied, prior Template) {
	restored := applied
	restored.Status = prior.Status
	restored.Enabled = prior.Enabled
	restored.ApprovedBy = prior.ApprovedBy
	restored.ApprovedAtSeconds = prior.ApprovedAtSeconds
	if err := s.store.CompareAndSwapTemplate(ctx, restored, applied.Version, applied.Status); err != nil {
		s.logError(op, "decision_revert_failed", err, zap.String("template_id", applied.TemplateID))
	}
}

func (s *Service) reviseDecisionConflict(ctx context.Context, actor auth.Identity, templateID string, swapErr error) error {
	var conflict *SwapConflict
	if !errors.As(swapErr, &conflict) {
		return swapErr
	}
	return &InvalidTransitionError{
		From:   conflict.Current.Status,
		Event:  "decide",
		Reason: "template changed while the decision was in flight",
	}
}

func (s *Service) publishStatusChanged(record Template, actorID string) {
	s.publish(EventStatusChanged, record.TemplateID, map[string]interface{}{
		"status":  string(record.Status),
		"enabled": record.Enabled,
		"version": record.Version,
		"actor":   actorID,
	})
}

func (s *Service) publishVersionChanged(record Template, actorID string) {
	s.publish(EventVersionChanged, record.TemplateID, map[string]interface{}{
		"version":     record.Version,
		"modified_by": actorID,
	})
}

func (s *Service) publish(eventType, templateID string, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.PublishEvent(eventType, templateID, payload, s.clock().UTC())
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("templates service error", attrs...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
