package templates

import (
	"context"

	"github.com/stencilhq/stencil/internal/auth"
)

const actionBulk = "bulk_operation"

// BulkFailure records one template a bulk operation could not process.
type BulkFailure struct {
	TemplateID string
	Code       string
	Message    string
}

// BulkOutcome partitions a bulk operation's targets. Input order is
// preserved within each partition.
type BulkOutcome struct {
	Succeeded []string
	Failed    []BulkFailure
}

// BulkDelete removes each template independently; one failure never aborts
// the batch.
func (s *Service) BulkDelete(ctx context.Context, actor auth.Identity, templateIDs []string) (BulkOutcome, error) {
	if err := checkBulkCall(actor, templateIDs); err != nil {
		return BulkOutcome{}, err
	}
	return s.bulkApply(templateIDs, func(templateID string) error {
		return s.DeleteTemplate(ctx, actor, templateID)
	}), nil
}

// BulkArchive retires each template independently.
func (s *Service) BulkArchive(ctx context.Context, actor auth.Identity, templateIDs []string) (BulkOutcome, error) {
	if err := checkBulkCall(actor, templateIDs); err != nil {
		return BulkOutcome{}, err
	}
	return s.bulkApply(templateIDs, func(templateID string) error {
		_, err := s.ArchiveTemplate(ctx, actor, templateID)
		return err
	}), nil
}

// BulkMove reassigns each template to the target folder (nil means root).
// The target is validated once before any item is touched.
func (s *Service) BulkMove(ctx context.Context, actor auth.Identity, templateIDs []string, folderID *string) (BulkOutcome, error) {
	if err := checkBulkCall(actor, templateIDs); err != nil {
		return BulkOutcome{}, err
	}
	if folderID != nil {
		if _, err := s.store.GetFolder(ctx, actor.Domain, *folderID); err != nil {
			return BulkOutcome{}, err
		}
	}
	return s.bulkApply(templateIDs, func(templateID string) error {
		_, err := s.MoveTemplate(ctx, actor, templateID, folderID)
		return err
	}), nil
}

// bulkApply runs op per template id, isolating failures per item.
func (s *Service) bulkApply(templateIDs []string, op func(templateID string) error) BulkOutcome {
	outcome := BulkOutcome{
		Succeeded: make([]string, 0, len(templateIDs)),
		Failed:    make([]BulkFailure, 0),
	}
	for _, templateID := range templateIDs {
		if err := op(templateID); err != nil {
			code := ErrorCode(err)
			message := err.Error()
			if code == CodeInternal {
				// Infrastructure detail stays inside the process.
				message = "internal error"
			}
			outcome.Failed = append(outcome.Failed, BulkFailure{
				TemplateID: templateID,
				Code:       code,
				Message:    message,
			})
			continue
		}
		outcome.Succeeded = append(outcome.Succeeded, templateID)
	}
	return outcome
}

// checkBulkCall rejects malformed batch calls before any item is touched.
func checkBulkCall(actor auth.Identity, templateIDs []string) error {
	if !actor.Permissions.CanBulkOperation {
		return &PermissionDeniedError{UserID: actor.UserID, Action: actionBulk}
	}
	if len(templateIDs) == 0 {
		return &InvalidInputError{Reason: "template id list is empty"}
	}
	return nil
}
