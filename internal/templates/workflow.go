package templates

import (
	"strings"

	"github.com/stencilhq/stencil/internal/auth"
)

// Workflow events as they appear in InvalidTransitionError reports.
const (
	eventRequestApproval = "request_approval"
	eventApprove         = "approve"
	eventReject          = "reject"
	eventArchive         = "archive"
	eventEdit            = "edit"
)

// systemArchiveComment closes a pending request when its template is
// archived out from under it.
const systemArchiveComment = "closed by system: template was archived"

// checkRequestApproval validates the draft -> pending_approval transition.
// Idempotency for an existing pending request is handled by the caller
// before this guard runs.
func checkRequestApproval(current Template) error {
	if current.Status != StatusDraft {
		return &InvalidTransitionError{
			From:   current.Status,
			Event:  eventRequestApproval,
			Reason: "only draft templates can be submitted for approval",
		}
	}
	if strings.TrimSpace(current.Subject) == "" && strings.TrimSpace(current.HTMLContent) == "" {
		return &InvalidTransitionError{
			From:   current.Status,
			Event:  eventRequestApproval,
			Reason: "template has no content to review",
		}
	}
	return nil
}

// checkApprove validates the pending_approval -> approved transition.
// The request must still target the template's current version; otherwise
// the approver is deciding against content they have not seen.
func checkApprove(current Template, request ApprovalRequest, actor auth.Identity) error {
	if current.Status != StatusPendingApproval {
		return &InvalidTransitionError{
			From:   current.Status,
			Event:  eventApprove,
			Reason: "template is not awaiting approval",
		}
	}
	if !isApprover(request, actor) {
		return &PermissionDeniedError{UserID: actor.UserID, Action: eventApprove}
	}
	if request.TemplateVersion != current.Version {
		return &StaleApprovalTargetError{
			RequestID:      request.RequestID,
			RequestVersion: request.TemplateVersion,
			CurrentVersion: current.Version,
		}
	}
	return nil
}

// checkReject validates the pending_approval -> draft transition. A
// rejection without rationale is itself rejected.
func checkReject(current Template, request ApprovalRequest, actor auth.Identity, comments string) error {
	if current.Status != StatusPendingApproval {
		return &InvalidTransitionError{
			From:   current.Status,
			Event:  eventReject,
			Reason: "template is not awaiting approval",
		}
	}
	if !isApprover(request, actor) {
		return &PermissionDeniedError{UserID: actor.UserID, Action: eventReject}
	}
	if strings.TrimSpace(comments) == "" {
		return &InvalidTransitionError{
			From:   current.Status,
			Event:  eventReject,
			Reason: "rejection requires comments",
		}
	}
	return nil
}

// checkArchive validates the archive transition from any live state.
func checkArchive(current Template, actor auth.Identity) error {
	if current.Status == StatusArchived {
		return &InvalidTransitionError{
			From:   current.Status,
			Event:  eventArchive,
			Reason: "template is already archived",
		}
	}
	if current.CreatedBy != actor.UserID && !actor.Permissions.CanApprove {
		return &PermissionDeniedError{UserID: actor.UserID, Action: eventArchive}
	}
	return nil
}

// checkEdit validates a content edit. Templates under review are frozen
// until the pending request is decided.
func checkEdit(current Template, actor auth.Identity) error {
	if !actor.Permissions.CanEdit {
		return &PermissionDeniedError{UserID: actor.UserID, Action: eventEdit}
	}
	if current.Status == StatusPendingApproval {
		return &InvalidTransitionError{
			From:   current.Status,
			Event:  eventEdit,
			Reason: "template content is under review",
		}
	}
	return nil
}

// applyEditDemotion re-opens an approved template as a draft after a
// substantive edit, forcing a fresh approval cycle.
func applyEditDemotion(updated *Template) {
	if updated.Status != StatusApproved {
		return
	}
	updated.Status = StatusDraft
	updated.Enabled = false
	updated.ApprovedBy = nil
	updated.ApprovedAtSeconds = nil
}

// isApprover reports whether the actor may decide the request: either an
// enumerated reviewer, or any holder of the approve permission when the
// request carries a reviewer list that is empty.
func isApprover(request ApprovalRequest, actor auth.Identity) bool {
	approvers := request.Approvers()
	if len(approvers) == 0 {
		return actor.Permissions.CanApprove
	}
	for _, reviewer := range approvers {
		if reviewer == actor.UserID {
			return true
		}
	}
	return actor.Permissions.CanApprove
}
