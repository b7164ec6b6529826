package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTemplateID indicates that a template identifier is empty or exceeds storage bounds.
	ErrInvalidTemplateID = errors.New("templates: invalid template id")
	// ErrInvalidFolderID indicates that a folder identifier is empty or exceeds storage bounds.
	ErrInvalidFolderID = errors.New("templates: invalid folder id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("templates: invalid user id")
	// ErrInvalidDomain indicates that a tenant domain is empty or exceeds storage bounds.
	ErrInvalidDomain = errors.New("templates: invalid domain")
	// ErrInvalidStatus indicates an unknown template status literal.
	ErrInvalidStatus = errors.New("templates: invalid status")
)

// TemplateID represents a validated template identifier.
type TemplateID string

// NewTemplateID validates raw input and returns a TemplateID.
func NewTemplateID(rawInput string) (TemplateID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidTemplateID)
	if err != nil {
		return "", err
	}
	return TemplateID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TemplateID) String() string {
	return string(id)
}

// FolderID represents a validated folder identifier.
type FolderID string

// NewFolderID validates raw input and returns a FolderID.
func NewFolderID(rawInput string) (FolderID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidFolderID)
	if err != nil {
		return "", err
	}
	return FolderID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FolderID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Domain represents a validated tenant domain.
type Domain string

// NewDomain validates raw input and returns a Domain.
func NewDomain(rawInput string) (Domain, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidDomain)
	if err != nil {
		return "", err
	}
	return Domain(trimmed), nil
}

// String returns the underlying string value.
func (d Domain) String() string {
	return string(d)
}

func validateIdentifier(rawInput string, kind error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", kind, maxIdentifierLength)
	}
	return trimmed, nil
}

// TemplateStatus enumerates the lifecycle states of a template.
type TemplateStatus string

const (
	// StatusDraft marks a template under active editing.
	StatusDraft TemplateStatus = "draft"
	// StatusPendingApproval marks a template waiting on an approval decision.
	StatusPendingApproval TemplateStatus = "pending_approval"
	// StatusApproved marks a template cleared for activation.
	StatusApproved TemplateStatus = "approved"
	// StatusArchived marks a template retired from use.
	StatusArchived TemplateStatus = "archived"
)

// ParseTemplateStatus validates a raw status literal.
func ParseTemplateStatus(rawInput string) (TemplateStatus, error) {
	switch TemplateStatus(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusDraft:
		return StatusDraft, nil
	case StatusPendingApproval:
		return StatusPendingApproval, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusArchived:
		return StatusArchived, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// ApprovalStatus enumerates the states of an approval request.
type ApprovalStatus string

const (
	// ApprovalPending marks a request awaiting a decision.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved marks a request closed by approval.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected marks a request closed by rejection.
	ApprovalRejected ApprovalStatus = "rejected"
)

// Template models the persisted email template with lifecycle metadata.
type Template struct {
	TemplateID            string         `gorm:"column:template_id;primaryKey;size:190;not null"`
	Domain                string         `gorm:"column:domain;size:190;not null;index:idx_templates_domain_folder,priority:1"`
	FolderID              *string        `gorm:"column:folder_id;size:190;index:idx_templates_domain_folder,priority:2"`
	Name                  string         `gorm:"column:name;size:320;not null"`
	Subject               string         `gorm:"column:subject;type:text;not null"`
	HTMLContent           string         `gorm:"column:html_content;type:text;not null"`
	PlainTextContent      string         `gorm:"column:plain_text_content;type:text;not null;default:''"`
	VariablesJSON         string         `gorm:"column:variables_json;type:text;not null;default:'[]'"`
	TagsJSON              string         `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	Status                TemplateStatus `gorm:"column:status;size:32;not null;default:'draft'"`
	Enabled               bool           `gorm:"column:enabled;not null;default:false"`
	Version               int64          `gorm:"column:version;not null;default:1"`
	CreatedBy             string         `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds      int64          `gorm:"column:created_at_s;not null"`
	LastModifiedBy        string         `gorm:"column:last_modified_by;size:190;not null"`
	LastModifiedAtSeconds int64          `gorm:"column:last_modified_at_s;not null"`
	ApprovedBy            *string        `gorm:"column:approved_by;size:190"`
	ApprovedAtSeconds     *int64         `gorm:"column:approved_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Template) TableName() string {
	return "templates"
}

// Variables decodes the derived placeholder set.
func (t *Template) Variables() []string {
	return decodeStringSet(t.VariablesJSON)
}

// SetVariables encodes the derived placeholder set.
func (t *Template) SetVariables(names []string) {
	t.VariablesJSON = encodeStringSet(names)
}

// Tags decodes the template tag set.
func (t *Template) Tags() []string {
	return decodeStringSet(t.TagsJSON)
}

// SetTags encodes the template tag set.
func (t *Template) SetTags(tags []string) {
	t.TagsJSON = encodeStringSet(tags)
}

// ApprovalRequest models one approval cycle for a template version.
// Terminal rows are immutable; a new cycle creates a new row.
type ApprovalRequest struct {
	RequestID          string         `gorm:"column:request_id;primaryKey;size:190;not null"`
	TemplateID         string         `gorm:"column:template_id;size:190;not null;index:idx_approval_template_status,priority:1"`
	Domain             string         `gorm:"column:domain;size:190;not null;index"`
	TemplateVersion    int64          `gorm:"column:template_version;not null"`
	RequestedBy        string         `gorm:"column:requested_by;size:190;not null"`
	RequestedAtSeconds int64          `gorm:"column:requested_at_s;not null"`
	ApproversJSON      string         `gorm:"column:approvers_json;type:text;not null;default:'[]'"`
	Status             ApprovalStatus `gorm:"column:status;size:32;not null;default:'pending';index:idx_approval_template_status,priority:2"`
	ApprovedBy         *string        `gorm:"column:approved_by;size:190"`
	ApprovedAtSeconds  *int64         `gorm:"column:approved_at_s"`
	Comments           string         `gorm:"column:comments;type:text;not null;default:''"`
	ChangesSummary     string         `gorm:"column:changes_summary;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

// Approvers decodes the ordered reviewer list.
func (r *ApprovalRequest) Approvers() []string {
	return decodeStringList(r.ApproversJSON)
}

// SetApprovers encodes the ordered reviewer list.
func (r *ApprovalRequest) SetApprovers(userIDs []string) {
	r.ApproversJSON = encodeStringList(userIDs)
}

// Folder models a named grouping of templates. Deleting a folder detaches
// its templates rather than deleting them.
type Folder struct {
	FolderID         string  `gorm:"column:folder_id;primaryKey;size:190;not null"`
	Domain           string  `gorm:"column:domain;size:190;not null;index"`
	Name             string  `gorm:"column:name;size:320;not null"`
	Color            *string `gorm:"column:color;size:32"`
	CreatedBy        string  `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Folder) TableName() string {
	return "folders"
}

func encodeStringSet(values []string) string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	sort.Strings(unique)
	return encodeStringList(unique)
}

func encodeStringList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

func decodeStringSet(encoded string) []string {
	return decodeStringList(encoded)
}

func decodeStringList(encoded string) []string {
	if strings.TrimSpace(encoded) == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(encoded), &values); err != nil {
		return nil
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
