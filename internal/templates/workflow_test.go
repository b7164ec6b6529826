package templates

import (
	"context"
	"errors"
	"testing"
)

func TestRequestApprovalMovesDraftToPending(t *testing.T) {
	service, _, publisher := newTestService(t, []string{"tpl-1", "req-1"})
	editor := editorIdentity("user-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	request, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{
		Approvers:      []string{"reviewer-1", "reviewer-2"},
		ChangesSummary: "initial copy",
	})
	if err != nil {
		t.Fatalf("request approval failed: %v", err)
	}
	if request.RequestID != "req-1" {
		t.Fatalf("unexpected request id %q", request.RequestID)
	}
	if request.Status != ApprovalPending {
		t.Fatalf("expected pending request, got %s", request.Status)
	}
	if request.TemplateVersion != created.Version {
		t.Fatalf("request must pin the reviewed version, got %d", request.TemplateVersion)
	}

	current, err := service.GetTemplate(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current.Status != StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", current.Status)
	}
	if current.Version != created.Version {
		t.Fatalf("status transition must not consume a version, got %d", current.Version)
	}

	statusEvents := publisher.ofType(EventStatusChanged)
	if len(statusEvents) != 1 || statusEvents[0].Payload["status"] != string(StatusPendingApproval) {
		t.Fatalf("unexpected status events %v", statusEvents)
	}
}

func TestRequestApprovalIsIdempotentWhilePending(t *testing.T) {
	service, _, _ := newTestService(t, []string{"tpl-1", "req-1", "req-never"})
	editor := editorIdentity("user-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	first, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{})
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	second, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{})
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if second.RequestID != first.RequestID {
		t.Fatalf("expected the existing pending request back, got %q", second.RequestID)
	}

	history, err := service.ListApprovalRequests(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("a template holds at most one pending request, got %d", len(history))
	}
}

func TestRequestApprovalRejectsEmptyTemplate(t *testing.T) {
	service, _, _ := newTestService(t, []string{"tpl-1"})
	editor := editorIdentity("user-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{Name: "Blank"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err = service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestApproveEnablesTemplateAndClosesRequest(t *testing.T) {
	service, _, _ := newTestService(t, []string{"tpl-1", "req-1"})
	editor := editorIdentity("user-1")
	reviewer := editorIdentity("reviewer-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{
		Approvers: []string{"reviewer-1"},
	}); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	approved, err := service.ApproveTemplate(context.Background(), reviewer, created.TemplateID, "looks good")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.Status != StatusApproved || !approved.Enabled {
		t.Fatalf("expected enabled approved template, got %s enabled=%v", approved.Status, approved.Enabled)
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != "reviewer-1" {
		t.Fatalf("unexpected approver stamp %v", approved.ApprovedBy)
	}
	if approved.Version != created.Version {
		t.Fatalf("approval must not consume a version, got %d", approved.Version)
	}

	history, err := service.ListApprovalRequests(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != ApprovalApproved {
		t.Fatalf("expected the request closed as approved, got %v", history)
	}
	if history[0].Comments != "looks good" {
		t.Fatalf("expected decision comments persisted, got %q", history[0].Comments)
	}
}

func TestApproveDeniedForOutsiders(t *testing.T) {
	service, _, _ := newTestService(t, []string{"tpl-1", "req-1"})
	editor := editorIdentity("user-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{
		Approvers: []string{"reviewer-1"},
	}); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	// Not on the reviewer list, no approve grant.
	_, err = service.ApproveTemplate(context.Background(), editorIdentity("bystander"), created.TemplateID, "yes")
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	// The approve grant decides any request regardless of the list.
	if _, err := service.ApproveTemplate(context.Background(), approverIdentity("lead-1"), created.TemplateID, "yes"); err != nil {
		t.Fatalf("approve by grant holder failed: %v", err)
	}
}

func TestApproveFallsBackToGrantWhenNoApproversListed(t *testing.T) {
	service, _, _ := newTestService(t, []string{"tpl-1", "req-1"})
	editor := editorIdentity("user-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{}); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	_, err = service.ApproveTemplate(context.Background(), editorIdentity("user-2"), created.TemplateID, "yes")
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected permission denied without approve grant, got %v", err)
	}
	if _, err := service.ApproveTemplate(context.Background(), approverIdentity("reviewer-1"), created.TemplateID, "yes"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
}

func TestApproveRejectsStaleRequestAfterMove(t *testing.T) {
	service, _, _ := newTestService(t, []string{"fold-1", "tpl-1", "req-1"})
	editor := editorIdentity("user-1")
	approver := approverIdentity("reviewer-1")

	folder, err := service.CreateFolder(context.Background(), editor, CreateFolderInput{Name: "Campaigns"})
	if err != nil {
		t.Fatalf("create folder failed: %v", err)
	}
	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{}); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	// Moving a pending template consumes a version, leaving the request
	// pinned to content metadata the reviewer has not seen.
	if _, err := service.MoveTemplate(context.Background(), editor, created.TemplateID, &folder.FolderID); err != nil {
		t.Fatalf("move failed: %v", err)
	}

	_, err = service.ApproveTemplate(context.Background(), approver, created.TemplateID, "yes")
	var stale *StaleApprovalTargetError
	if !errors.As(err, &stale) {
		t.Fatalf("expected stale approval target, got %v", err)
	}
	if stale.RequestVersion != created.Version || stale.CurrentVersion != created.Version+1 {
		t.Fatalf("unexpected stale versions %d/%d", stale.RequestVersion, stale.CurrentVersion)
	}
}

func TestRejectRequiresComments(t *testing.T) {
	service, _, _ := newTestService(t, []string{"tpl-1", "req-1"})
	editor := editorIdentity("user-1")
	approver := approverIdentity("reviewer-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{}); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	_, err = service.RejectTemplate(context.Background(), approver, created.TemplateID, "   ")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition for blank comments, got %v", err)
	}

	rejected, err := service.RejectTemplate(context.Background(), approver, created.TemplateID, "tone is off")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Status != StatusDraft {
		t.Fatalf("rejection reopens the draft, got %s", rejected.Status)
	}

	history, err := service.ListApprovalRequests(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != ApprovalRejected || history[0].Comments != "tone is off" {
		t.Fatalf("expected rejected request with comments, got %v", history)
	}
}

func TestRejectedTemplateCanStartNewCycle(t *testing.T) {
	service, _, _ := newTestService(t, []string{"tpl-1", "req-1", "req-2"})
	editor := editorIdentity("user-1")
	approver := approverIdentity("reviewer-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{}); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := service.RejectTemplate(context.Background(), approver, created.TemplateID, "redo"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	second, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{})
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if second.RequestID != "req-2" {
		t.Fatalf("a new cycle files a new request row, got %q", second.RequestID)
	}

	history, err := service.ListApprovalRequests(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history keeps terminal rows, got %d", len(history))
	}
}

func TestArchiveForceClosesPendingRequest(t *testing.T) {
	service, _, _ := newTestService(t, []string{"tpl-1", "req-1"})
	editor := editorIdentity("user-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{}); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	archived, err := service.ArchiveTemplate(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if archived.Status != StatusArchived || archived.Enabled {
		t.Fatalf("expected disabled archived template, got %s enabled=%v", archived.Status, archived.Enabled)
	}

	history, err := service.ListApprovalRequests(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != ApprovalRejected {
		t.Fatalf("archive must close the pending request, got %v", history)
	}
	if history[0].Comments != systemArchiveComment {
		t.Fatalf("expected system closure comment, got %q", history[0].Comments)
	}
}

func TestArchiveDeniedForNonOwnerWithoutApproveGrant(t *testing.T) {
	service, _, _ := newTestService(t, []string{"tpl-1"})
	editor := editorIdentity("user-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err = service.ArchiveTemplate(context.Background(), editorIdentity("user-2"), created.TemplateID)
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	archived, err := service.ArchiveTemplate(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("owner archive failed: %v", err)
	}

	_, err = service.ArchiveTemplate(context.Background(), editor, archived.TemplateID)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition on double archive, got %v", err)
	}
}

func TestArchiveClearsApprovalStamp(t *testing.T) {
	service, _, _ := newTestService(t, []string{"tpl-1", "req-1"})
	editor := editorIdentity("user-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{}); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	approved, err := service.ApproveTemplate(context.Background(), approverIdentity("approver-1"), created.TemplateID, "ship it")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.ApprovedBy == nil || approved.ApprovedAtSeconds == nil {
		t.Fatalf("approval must stamp the template")
	}

	archived, err := service.ArchiveTemplate(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if archived.Status != StatusArchived || archived.Enabled {
		t.Fatalf("expected disabled archived template, got %s enabled=%v", archived.Status, archived.Enabled)
	}
	if archived.ApprovedBy != nil || archived.ApprovedAtSeconds != nil {
		t.Fatalf("archived template must carry no approval stamp, got %v %v", archived.ApprovedBy, archived.ApprovedAtSeconds)
	}

	stored, err := service.GetTemplate(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ApprovedBy != nil || stored.ApprovedAtSeconds != nil {
		t.Fatalf("stored archived row must carry no approval stamp, got %v %v", stored.ApprovedBy, stored.ApprovedAtSeconds)
	}
}

// lateInsertStore simulates the losing side of a concurrent approval
// request: the template row already moved to pending_approval, but the
// winner's request row is not yet visible on the first lookups.
type lateInsertStore struct {
	EntityStore
	pendingCalls int
	hiddenCalls  int
	getCalls     int
}

func (s *lateInsertStore) PendingRequestForTemplate(ctx context.Context, domain, templateID string) (*ApprovalRequest, error) {
	s.pendingCalls++
	if s.pendingCalls <= s.hiddenCalls {
		return nil, nil
	}
	return s.EntityStore.PendingRequestForTemplate(ctx, domain, templateID)
}

func (s *lateInsertStore) GetTemplate(ctx context.Context, domain, templateID string) (Template, error) {
	record, err := s.EntityStore.GetTemplate(ctx, domain, templateID)
	s.getCalls++
	if s.getCalls == 1 && err == nil {
		// Stale read from before the winner's swap committed.
		record.Status = StatusDraft
	}
	return record, err
}

func TestRequestApprovalResolvesWinnerRowAfterLostSwap(t *testing.T) {
	service, db, _ := newTestService(t, []string{"tpl-1", "req-1"})
	editor := editorIdentity("user-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	winner, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	racing, err := NewService(ServiceConfig{
		Store:      &lateInsertStore{EntityStore: store, hiddenCalls: 2},
		IDProvider: &staticIDGenerator{ids: []string{"req-2"}},
	})
	if err != nil {
		t.Fatalf("failed to construct racing service: %v", err)
	}

	resolved, err := racing.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{})
	if err != nil {
		t.Fatalf("expected idempotent success for the losing caller, got %v", err)
	}
	if resolved.RequestID != winner.RequestID {
		t.Fatalf("expected the winner's request %s, got %s", winner.RequestID, resolved.RequestID)
	}

	history, err := service.ListApprovalRequests(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected a single request row, got %d", len(history))
	}
}

// flakyCloseStore fails request closures a fixed number of times.
type flakyCloseStore struct {
	EntityStore
	failures int
}

func (s *flakyCloseStore) CloseApprovalRequest(ctx context.Context, requestID string, closure ApprovalClosure) (ApprovalRequest, error) {
	if s.failures > 0 {
		s.failures--
		return ApprovalRequest{}, errors.New("storage write failed")
	}
	return s.EntityStore.CloseApprovalRequest(ctx, requestID, closure)
}

func TestApproveRevertsStatusWhenRequestCloseFails(t *testing.T) {
	service, db, _ := newTestService(t, []string{"tpl-1", "req-1"})
	editor := editorIdentity("user-1")
	approver := approverIdentity("approver-1")

	created, err := service.CreateTemplate(context.Background(), editor, CreateTemplateInput{
		Name:    "Welcome",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.RequestApproval(context.Background(), editor, created.TemplateID, RequestApprovalInput{}); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	flaky, err := NewService(ServiceConfig{
		Store:      &flakyCloseStore{EntityStore: store, failures: 1},
		IDProvider: &staticIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct flaky service: %v", err)
	}

	_, err = flaky.ApproveTemplate(context.Background(), approver, created.TemplateID, "ship it")
	if err == nil {
		t.Fatalf("expected approve to fail when the request closure fails")
	}
	if ErrorCode(err) != CodeInternal {
		t.Fatalf("expected internal error code, got %s", ErrorCode(err))
	}

	current, err := service.GetTemplate(context.Background(), editor, created.TemplateID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current.Status != StatusPendingApproval || current.Enabled {
		t.Fatalf("expected the swap reverted to pending, got %s enabled=%v", current.Status, current.Enabled)
	}
	if current.ApprovedBy != nil || current.ApprovedAtSeconds != nil {
		t.Fatalf("reverted template must carry no approval stamp, got %v %v", current.ApprovedBy, current.ApprovedAtSeconds)
	}

	// The cycle stays decidable once storage recovers.
	approved, err := flaky.ApproveTemplate(context.Background(), approver, created.TemplateID, "ship it")
	if err != nil {
		t.Fatalf("retry approve failed: %v", err)
	}
	if approved.Status != StatusApproved || !approved.Enabled {
		t.Fatalf("expected approved template after retry, got %s enabled=%v", approved.Status, approved.Enabled)
	}
}
