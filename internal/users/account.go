package users

import (
	"strings"
	"time"

	"github.com/stencilhq/stencil/internal/auth"
)

// Account maps an identity-provider subject to a tenant-scoped user with
// persisted permission grants.
type Account struct {
	Subject          string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID           string    `gorm:"column:user_id;size:190;not null;index"`
	Domain           string    `gorm:"column:domain;size:190;not null;index"`
	Email            string    `gorm:"column:email;size:320"`
	DisplayName      string    `gorm:"column:display_name;size:320"`
	CanCreate        bool      `gorm:"column:can_create;not null;default:false"`
	CanEdit          bool      `gorm:"column:can_edit;not null;default:false"`
	CanDelete        bool      `gorm:"column:can_delete;not null;default:false"`
	CanApprove       bool      `gorm:"column:can_approve;not null;default:false"`
	CanBulkOperation bool      `gorm:"column:can_bulk_operation;not null;default:false"`
	LastSeenAt       time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (Account) TableName() string {
	return "user_accounts"
}

// Permissions assembles the account's grants in the form coordinator calls consume.
func (a Account) Permissions() auth.Permissions {
	return auth.Permissions{
		CanCreate:        a.CanCreate,
		CanEdit:          a.CanEdit,
		CanDelete:        a.CanDelete,
		CanApprove:       a.CanApprove,
		CanBulkOperation: a.CanBulkOperation,
	}
}

// Identity assembles the authenticated principal for the account.
func (a Account) Identity() auth.Identity {
	return auth.Identity{
		UserID:      a.UserID,
		Domain:      a.Domain,
		Permissions: a.Permissions(),
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
