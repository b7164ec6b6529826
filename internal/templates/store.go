package templates

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// TemplateFilter narrows a template listing.
type TemplateFilter struct {
	FolderID     *string
	Status       *TemplateStatus
	Tag          string
	NameContains string
}

// ApprovalClosure describes the terminal state applied to a pending request.
type ApprovalClosure struct {
	Status           ApprovalStatus
	DecidedBy        string
	DecidedAtSeconds int64
	Comments         string
}

// ErrRequestAlreadyClosed indicates an approval request left the pending
// state before the closure could be applied.
var ErrRequestAlreadyClosed = errors.New("templates: approval request already closed")

// SwapConflict reports a compare-and-swap that found the row in a state
// other than the expected prior state. Current carries the row the winner
// left behind so callers can re-derive a precise domain error.
type SwapConflict struct {
	Current Template
}

func (e *SwapConflict) Error() string {
	return fmt.Sprintf("template %q changed concurrently: now version %d status %s",
		e.Current.TemplateID, e.Current.Version, e.Current.Status)
}

// Store is the gorm-backed entity store. Each mutation touches a single
// row; template replacement is a compare-and-swap on (template_id, version)
// which is the coordinator's sole serialization point.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a database handle in the entity store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("templates: database handle is required")
	}
	return &Store{db: db}, nil
}

// GetTemplate loads a template scoped to a tenant domain.
func (s *Store) GetTemplate(ctx context.Context, domain, templateID string) (Template, error) {
	var record Template
	err := s.db.WithContext(ctx).
		Where("template_id = ? AND domain = ?", templateID, domain).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Template{}, &NotFoundError{Entity: "template", ID: templateID}
	}
	if err != nil {
		return Template{}, err
	}
	return record, nil
}

// InsertTemplate persists a freshly created template row.
func (s *Store) InsertTemplate(ctx context.Context, record Template) error {
	return s.db.WithContext(ctx).Create(&record).Error
}

// CompareAndSwapTemplate replaces the stored row iff its version and
// status still match the expected prior state. A lost race surfaces as
// SwapConflict carrying the row the winner left behind.
func (s *Store) CompareAndSwapTemplate(ctx context.Context, record Template, expectedVersion int64, expectedStatus TemplateStatus) error {
	result := s.db.WithContext(ctx).
		Model(&Template{}).
		Where("template_id = ? AND domain = ? AND version = ? AND status = ?",
			record.TemplateID, record.Domain, expectedVersion, expectedStatus).
		Select("*").
		Updates(record)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	current, err := s.GetTemplate(ctx, record.Domain, record.TemplateID)
	if err != nil {
		return err
	}
	return &SwapConflict{Current: current}
}

// DeleteTemplate removes a template row and its pending approval requests.
func (s *Store) DeleteTemplate(ctx context.Context, domain, templateID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("template_id = ? AND domain = ?", templateID, domain).Delete(&Template{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return &NotFoundError{Entity: "template", ID: templateID}
		}
		return tx.Where("template_id = ? AND domain = ? AND status = ?", templateID, domain, ApprovalPending).
			Delete(&ApprovalRequest{}).Error
	})
}

// ListTemplates returns the domain's templates, newest modification first.
func (s *Store) ListTemplates(ctx context.Context, domain string, filter TemplateFilter) ([]Template, error) {
	query := s.db.WithContext(ctx).Where("domain = ?", domain)
	if filter.FolderID != nil {
		if *filter.FolderID == "" {
			query = query.Where("folder_id IS NULL")
		} else {
			query = query.Where("folder_id = ?", *filter.FolderID)
		}
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.NameContains != "" {
		query = query.Where("name LIKE ?", "%"+filter.NameContains+"%")
	}
	if filter.Tag != "" {
		query = query.Where("tags_json LIKE ?", "%\""+filter.Tag+"\"%")
	}

	var records []Template
	if err := query.Order("last_modified_at_s DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// GetFolder loads a folder scoped to a tenant domain.
func (s *Store) GetFolder(ctx context.Context, domain, folderID string) (Folder, error) {
	var record Folder
	err := s.db.WithContext(ctx).
		Where("folder_id = ? AND domain = ?", folderID, domain).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Folder{}, &NotFoundError{Entity: "folder", ID: folderID}
	}
	if err != nil {
		return Folder{}, err
	}
	return record, nil
}

// InsertFolder persists a new folder row.
func (s *Store) InsertFolder(ctx context.Context, record Folder) error {
	return s.db.WithContext(ctx).Create(&record).Error
}

// DeleteFolder removes the folder and detaches its templates in one
// transaction; templates survive at the root.
func (s *Store) DeleteFolder(ctx context.Context, domain, folderID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("folder_id = ? AND domain = ?", folderID, domain).Delete(&Folder{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return &NotFoundError{Entity: "folder", ID: folderID}
		}
		return tx.Model(&Template{}).
			Where("folder_id = ? AND domain = ?", folderID, domain).
			Update("folder_id", gorm.Expr("NULL")).Error
	})
}

// ListFolders returns the domain's folders ordered by name.
func (s *Store) ListFolders(ctx context.Context, domain string) ([]Folder, error) {
	var records []Folder
	err := s.db.WithContext(ctx).
		Where("domain = ?", domain).
		Order("name ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// InsertApprovalRequest persists a new pending approval cycle.
func (s *Store) InsertApprovalRequest(ctx context.Context, record ApprovalRequest) error {
	return s.db.WithContext(ctx).Create(&record).Error
}

// GetApprovalRequest loads an approval request scoped to a tenant domain.
func (s *Store) GetApprovalRequest(ctx context.Context, domain, requestID string) (ApprovalRequest, error) {
	var record ApprovalRequest
	err := s.db.WithContext(ctx).
		Where("request_id = ? AND domain = ?", requestID, domain).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ApprovalRequest{}, &NotFoundError{Entity: "approval request", ID: requestID}
	}
	if err != nil {
		return ApprovalRequest{}, err
	}
	return record, nil
}

// PendingRequestForTemplate returns the template's single pending request,
// or nil when no cycle is open.
func (s *Store) PendingRequestForTemplate(ctx context.Context, domain, templateID string) (*ApprovalRequest, error) {
	var record ApprovalRequest
	err := s.db.WithContext(ctx).
		Where("template_id = ? AND domain = ? AND status = ?", templateID, domain, ApprovalPending).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// CloseApprovalRequest moves a pending request to a terminal state. The
// update is guarded on status=pending so a request terminates exactly once;
// a second closer gets ErrRequestAlreadyClosed.
func (s *Store) CloseApprovalRequest(ctx context.Context, requestID string, closure ApprovalClosure) (ApprovalRequest, error) {
	updates := map[string]interface{}{
		"status":        closure.Status,
		"approved_by":   closure.DecidedBy,
		"approved_at_s": closure.DecidedAtSeconds,
		"comments":      closure.Comments,
	}
	result := s.db.WithContext(ctx).
		Model(&ApprovalRequest{}).
		Where("request_id = ? AND status = ?", requestID, ApprovalPending).
		Updates(updates)
	if result.Error != nil {
		return ApprovalRequest{}, result.Error
	}
	if result.RowsAffected == 0 {
		return ApprovalRequest{}, ErrRequestAlreadyClosed
	}

	var record ApprovalRequest
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&record).Error; err != nil {
		return ApprovalRequest{}, err
	}
	return record, nil
}

// ListApprovalRequests returns a template's approval history, newest first.
func (s *Store) ListApprovalRequests(ctx context.Context, domain, templateID string) ([]ApprovalRequest, error) {
	var records []ApprovalRequest
	err := s.db.WithContext(ctx).
		Where("template_id = ? AND domain = ?", templateID, domain).
		Order("requested_at_s DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
