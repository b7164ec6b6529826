package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stencilhq/stencil/internal/templates"
)

const realtimeHeartbeatInterval = 30 * time.Second

type createTemplateRequest struct {
	Name             string   `json:"name"`
	Subject          string   `json:"subject"`
	HTMLContent      string   `json:"html_content"`
	PlainTextContent string   `json:"plain_text_content"`
	FolderID         *string  `json:"folder_id"`
	Tags             []string `json:"tags"`
}

func (h *httpHandler) handleCreateTemplate(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	var request createTemplateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}

	record, err := h.templates.CreateTemplate(c.Request.Context(), actor, templates.CreateTemplateInput{
		Name:             request.Name,
		Subject:          request.Subject,
		HTMLContent:      request.HTMLContent,
		PlainTextContent: request.PlainTextContent,
		FolderID:         request.FolderID,
		Tags:             request.Tags,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTemplatePayload(record))
}

func (h *httpHandler) handleListTemplates(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}

	var filter templates.TemplateFilter
	if folderID, supplied := c.GetQuery("folder_id"); supplied {
		// An empty folder_id selects templates at the root.
		filter.FolderID = &folderID
	}
	if rawStatus, supplied := c.GetQuery("status"); supplied {
		status, err := templates.ParseTemplateStatus(rawStatus)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "unknown status filter"})
			return
		}
		filter.Status = &status
	}
	filter.Tag = strings.TrimSpace(c.Query("tag"))
	filter.NameContains = strings.TrimSpace(c.Query("q"))

	records, err := h.templates.ListTemplates(c.Request.Context(), actor, filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]templatePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, toTemplatePayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"templates": payloads})
}

func (h *httpHandler) handleGetTemplate(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	record, err := h.templates.GetTemplate(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTemplatePayload(record))
}

type updateTemplateRequest struct {
	ExpectedVersion  *int64   `json:"expected_version"`
	Name             *string  `json:"name"`
	Subject          *string  `json:"subject"`
	HTMLContent      *string  `json:"html_content"`
	PlainTextContent *string  `json:"plain_text_content"`
	Tags             []string `json:"tags"`
	FolderID         *string  `json:"folder_id"`
}

func (h *httpHandler) handleUpdateTemplate(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "unreadable request body"})
		return
	}
	var request updateTemplateRequest
	if err := json.Unmarshal(body, &request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	if request.ExpectedVersion == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "expected_version is required"})
		return
	}
	// Key presence distinguishes "clear this field" from "leave it alone".
	var suppliedKeys map[string]json.RawMessage
	if err := json.Unmarshal(body, &suppliedKeys); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	_, tagsSupplied := suppliedKeys["tags"]
	_, folderSupplied := suppliedKeys["folder_id"]

	record, err := h.templates.UpdateTemplate(c.Request.Context(), actor, c.Param("id"), *request.ExpectedVersion, templates.TemplatePatch{
		Name:             request.Name,
		Subject:          request.Subject,
		HTMLContent:      request.HTMLContent,
		PlainTextContent: request.PlainTextContent,
		Tags:             request.Tags,
		TagsSet:          tagsSupplied,
		FolderID:         request.FolderID,
		FolderSet:        folderSupplied,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTemplatePayload(record))
}

func (h *httpHandler) handleDeleteTemplate(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	if err := h.templates.DeleteTemplate(c.Request.Context(), actor, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type duplicateTemplateRequest struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleDuplicateTemplate(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	var request duplicateTemplateRequest
	if err := c.ShouldBindJSON(&request); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	record, err := h.templates.DuplicateTemplate(c.Request.Context(), actor, c.Param("id"), request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTemplatePayload(record))
}

type moveTemplateRequest struct {
	FolderID *string `json:"folder_id"`
}

func (h *httpHandler) handleMoveTemplate(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	var request moveTemplateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	record, err := h.templates.MoveTemplate(c.Request.Context(), actor, c.Param("id"), request.FolderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTemplatePayload(record))
}

func (h *httpHandler) handleArchiveTemplate(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	record, err := h.templates.ArchiveTemplate(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTemplatePayload(record))
}

type requestApprovalRequest struct {
	Approvers []string `json:"approvers"`
	Changes   string   `json:"changes"`
}

func (h *httpHandler) handleRequestApproval(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	var request requestApprovalRequest
	if err := c.ShouldBindJSON(&request); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	record, err := h.templates.RequestApproval(c.Request.Context(), actor, c.Param("id"), templates.RequestApprovalInput{
		Approvers:      request.Approvers,
		ChangesSummary: request.Changes,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toApprovalRequestPayload(record))
}

func (h *httpHandler) handleListApprovals(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	records, err := h.templates.ListApprovalRequests(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]approvalRequestPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, toApprovalRequestPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"approvals": payloads})
}

type approvalDecisionRequest struct {
	Comments string `json:"comments"`
}

func (h *httpHandler) handleApproveTemplate(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	var request approvalDecisionRequest
	if err := c.ShouldBindJSON(&request); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	record, err := h.templates.ApproveTemplate(c.Request.Context(), actor, c.Param("id"), request.Comments)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTemplatePayload(record))
}

func (h *httpHandler) handleRejectTemplate(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	var request approvalDecisionRequest
	if err := c.ShouldBindJSON(&request); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	record, err := h.templates.RejectTemplate(c.Request.Context(), actor, c.Param("id"), request.Comments)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTemplatePayload(record))
}

type lockPayload struct {
	TemplateID string `json:"template_id"`
	UserID     string `json:"user_id"`
	AcquiredAt string `json:"acquired_at"`
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	templateID := c.Param("id")
	if _, err := h.templates.GetTemplate(c.Request.Context(), actor, templateID); err != nil {
		h.respondError(c, err)
		return
	}
	lock, err := h.tracker.AcquireLock(templateID, actor.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lockPayload{
		TemplateID: lock.TemplateID,
		UserID:     lock.UserID,
		AcquiredAt: lock.AcquiredAt.UTC().Format(time.RFC3339),
	})
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	h.tracker.ReleaseLock(c.Param("id"), actor.UserID)
	c.Status(http.StatusNoContent)
}

type presenceHeartbeatRequest struct {
	ObservedAt *string `json:"observed_at"`
}

func (h *httpHandler) handleHeartbeatPresence(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	templateID := c.Param("id")
	if _, err := h.templates.GetTemplate(c.Request.Context(), actor, templateID); err != nil {
		h.respondError(c, err)
		return
	}

	var request presenceHeartbeatRequest
	if err := c.ShouldBindJSON(&request); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	observedAt := time.Now().UTC()
	if request.ObservedAt != nil {
		parsed, err := time.Parse(time.RFC3339, *request.ObservedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "observed_at must be RFC 3339"})
			return
		}
		observedAt = parsed.UTC()
	}

	h.tracker.MarkPresent(templateID, actor.UserID, observedAt)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkAbsent(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	h.tracker.MarkAbsent(c.Param("id"), actor.UserID)
	c.Status(http.StatusNoContent)
}

type viewerPayload struct {
	UserID     string `json:"user_id"`
	LastSeenAt string `json:"last_seen_at"`
}

type collabSnapshotPayload struct {
	TemplateID string          `json:"template_id"`
	Lock       *lockPayload    `json:"lock,omitempty"`
	Viewers    []viewerPayload `json:"viewers"`
}

func (h *httpHandler) handleCollabSnapshot(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	templateID := c.Param("id")
	if _, err := h.templates.GetTemplate(c.Request.Context(), actor, templateID); err != nil {
		h.respondError(c, err)
		return
	}

	snapshot := h.tracker.Snapshot(templateID)
	payload := collabSnapshotPayload{
		TemplateID: templateID,
		Viewers:    make([]viewerPayload, 0, len(snapshot.Viewers)),
	}
	if snapshot.Lock != nil {
		payload.Lock = &lockPayload{
			TemplateID: snapshot.Lock.TemplateID,
			UserID:     snapshot.Lock.UserID,
			AcquiredAt: snapshot.Lock.AcquiredAt.UTC().Format(time.RFC3339),
		}
	}
	for _, viewer := range snapshot.Viewers {
		payload.Viewers = append(payload.Viewers, viewerPayload{
			UserID:     viewer.UserID,
			LastSeenAt: viewer.LastSeenAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, payload)
}

// handleEventStream serves the template's lifecycle events over SSE.
// Browsers cannot set headers on EventSource, hence the access_token query
// parameter accepted by authorizeRequest.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	templateID := c.Param("id")
	if _, err := h.templates.GetTemplate(c.Request.Context(), actor, templateID); err != nil {
		h.respondError(c, err)
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), templateID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.Type, message)
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})

	// The dropped stream is the only disconnect signal the coordinator
	// sees. The viewer leaves the presence set immediately; a held lock
	// stays until the idle timeout expires it.
	h.tracker.MarkAbsent(templateID, actor.UserID)
}

type createFolderRequest struct {
	Name  string  `json:"name"`
	Color *string `json:"color"`
}

func (h *httpHandler) handleCreateFolder(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	var request createFolderRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	record, err := h.templates.CreateFolder(c.Request.Context(), actor, templates.CreateFolderInput{
		Name:  request.Name,
		Color: request.Color,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toFolderPayload(record))
}

func (h *httpHandler) handleListFolders(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	records, err := h.templates.ListFolders(c.Request.Context(), actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]folderPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, toFolderPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"folders": payloads})
}

func (h *httpHandler) handleDeleteFolder(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	if err := h.templates.DeleteFolder(c.Request.Context(), actor, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type bulkTemplateRequest struct {
	TemplateIDs []string `json:"template_ids"`
}

func (h *httpHandler) handleBulkDelete(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	var request bulkTemplateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	outcome, err := h.templates.BulkDelete(c.Request.Context(), actor, request.TemplateIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBulkOutcomePayload(outcome))
}

type bulkMoveRequest struct {
	TemplateIDs []string `json:"template_ids"`
	FolderID    *string  `json:"folder_id"`
}

func (h *httpHandler) handleBulkMove(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	var request bulkMoveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	outcome, err := h.templates.BulkMove(c.Request.Context(), actor, request.TemplateIDs, request.FolderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBulkOutcomePayload(outcome))
}

func (h *httpHandler) handleBulkArchive(c *gin.Context) {
	actor, ok := h.identity(c)
	if !ok {
		return
	}
	var request bulkTemplateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": templates.CodeInvalidInput, "message": "malformed request body"})
		return
	}
	outcome, err := h.templates.BulkArchive(c.Request.Context(), actor, request.TemplateIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBulkOutcomePayload(outcome))
}
