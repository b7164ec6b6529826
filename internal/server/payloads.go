package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stencilhq/stencil/internal/presence"
	"github.com/stencilhq/stencil/internal/templates"
	"go.uber.org/zap"
)

type templatePayload struct {
	TemplateID       string   `json:"template_id"`
	Domain           string   `json:"domain"`
	FolderID         *string  `json:"folder_id,omitempty"`
	Name             string   `json:"name"`
	Subject          string   `json:"subject"`
	HTMLContent      string   `json:"html_content"`
	PlainTextContent string   `json:"plain_text_content"`
	Variables        []string `json:"variables"`
	Tags             []string `json:"tags"`
	Status           string   `json:"status"`
	Enabled          bool     `json:"enabled"`
	Version          int64    `json:"version"`
	CreatedBy        string   `json:"created_by"`
	CreatedAt        string   `json:"created_at"`
	LastModifiedBy   string   `json:"last_modified_by"`
	LastModifiedAt   string   `json:"last_modified_at"`
	ApprovedBy       *string  `json:"approved_by,omitempty"`
	ApprovedAt       *string  `json:"approved_at,omitempty"`
}

func toTemplatePayload(record templates.Template) templatePayload {
	payload := templatePayload{
		TemplateID:       record.TemplateID,
		Domain:           record.Domain,
		FolderID:         record.FolderID,
		Name:             record.Name,
		Subject:          record.Subject,
		HTMLContent:      record.HTMLContent,
		PlainTextContent: record.PlainTextContent,
		Variables:        record.Variables(),
		Tags:             record.Tags(),
		Status:           string(record.Status),
		Enabled:          record.Enabled,
		Version:          record.Version,
		CreatedBy:        record.CreatedBy,
		CreatedAt:        formatSeconds(record.CreatedAtSeconds),
		LastModifiedBy:   record.LastModifiedBy,
		LastModifiedAt:   formatSeconds(record.LastModifiedAtSeconds),
	}
	if payload.Variables == nil {
		payload.Variables = []string{}
	}
	if payload.Tags == nil {
		payload.Tags = []string{}
	}
	payload.ApprovedBy = record.ApprovedBy
	if record.ApprovedAtSeconds != nil {
		formatted := formatSeconds(*record.ApprovedAtSeconds)
		payload.ApprovedAt = &formatted
	}
	return payload
}

type approvalRequestPayload struct {
	RequestID       string   `json:"request_id"`
	TemplateID      string   `json:"template_id"`
	TemplateVersion int64    `json:"template_version"`
	RequestedBy     string   `json:"requested_by"`
	RequestedAt     string   `json:"requested_at"`
	Approvers       []string `json:"approvers"`
	Status          string   `json:"status"`
	DecidedBy       *string  `json:"decided_by,omitempty"`
	DecidedAt       *string  `json:"decided_at,omitempty"`
	Comments        string   `json:"comments,omitempty"`
	Changes         string   `json:"changes,omitempty"`
}

func toApprovalRequestPayload(record templates.ApprovalRequest) approvalRequestPayload {
	payload := approvalRequestPayload{
		RequestID:       record.RequestID,
		TemplateID:      record.TemplateID,
		TemplateVersion: record.TemplateVersion,
		RequestedBy:     record.RequestedBy,
		RequestedAt:     formatSeconds(record.RequestedAtSeconds),
		Approvers:       record.Approvers(),
		Status:          string(record.Status),
		Comments:        record.Comments,
		Changes:         record.ChangesSummary,
	}
	if payload.Approvers == nil {
		payload.Approvers = []string{}
	}
	payload.DecidedBy = record.ApprovedBy
	if record.ApprovedAtSeconds != nil {
		formatted := formatSeconds(*record.ApprovedAtSeconds)
		payload.DecidedAt = &formatted
	}
	return payload
}

type folderPayload struct {
	FolderID  string  `json:"folder_id"`
	Domain    string  `json:"domain"`
	Name      string  `json:"name"`
	Color     *string `json:"color,omitempty"`
	CreatedBy string  `json:"created_by"`
	CreatedAt string  `json:"created_at"`
}

func toFolderPayload(record templates.Folder) folderPayload {
	return folderPayload{
		FolderID:  record.FolderID,
		Domain:    record.Domain,
		Name:      record.Name,
		Color:     record.Color,
		CreatedBy: record.CreatedBy,
		CreatedAt: formatSeconds(record.CreatedAtSeconds),
	}
}

type bulkOutcomePayload struct {
	Succeeded []string             `json:"succeeded"`
	Failed    []bulkFailurePayload `json:"failed"`
}

type bulkFailurePayload struct {
	TemplateID string `json:"template_id"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func toBulkOutcomePayload(outcome templates.BulkOutcome) bulkOutcomePayload {
	payload := bulkOutcomePayload{
		Succeeded: outcome.Succeeded,
		Failed:    make([]bulkFailurePayload, 0, len(outcome.Failed)),
	}
	if payload.Succeeded == nil {
		payload.Succeeded = []string{}
	}
	for _, failure := range outcome.Failed {
		payload.Failed = append(payload.Failed, bulkFailurePayload{
			TemplateID: failure.TemplateID,
			Error:      failure.Code,
			Message:    failure.Message,
		})
	}
	return payload
}

func formatSeconds(seconds int64) string {
	return time.Unix(seconds, 0).UTC().Format(time.RFC3339)
}

// respondError maps coordinator errors to HTTP statuses with stable codes.
// Internal failures log the cause and return an opaque body.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := templates.ErrorCode(err)

	body := gin.H{"error": code}
	var conflict *templates.VersionConflictError
	if errors.As(err, &conflict) {
		body["current_version"] = conflict.CurrentVersion
	}
	var lockHeld *presence.LockHeldError
	if errors.As(err, &lockHeld) {
		body["held_by"] = lockHeld.HeldBy
	}
	var stale *templates.StaleApprovalTargetError
	if errors.As(err, &stale) {
		body["request_version"] = stale.RequestVersion
		body["current_version"] = stale.CurrentVersion
	}
	if code != templates.CodeInternal {
		body["message"] = err.Error()
	} else {
		h.logger.Error("coordinator call failed", zap.Error(err))
	}

	c.JSON(statusForCode(code), body)
}

func statusForCode(code string) int {
	switch code {
	case templates.CodeNotFound:
		return http.StatusNotFound
	case templates.CodeVersionConflict, templates.CodeInvalidTransition, templates.CodeStaleApprovalTarget:
		return http.StatusConflict
	case presence.CodeLockHeld:
		return http.StatusConflict
	case templates.CodePermissionDenied:
		return http.StatusForbidden
	case templates.CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
