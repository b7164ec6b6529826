package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stencilhq/stencil/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidPrincipal indicates the upstream claims did not contain a usable identity.
var ErrInvalidPrincipal = errors.New("users: invalid principal")

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages the account directory: first-login provisioning and
// permission lookups for authenticated subjects.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolvePrincipal returns the authenticated identity for validated IdP
// claims. An unseen subject is provisioned as an editor (create + edit,
// nothing destructive) in the tenant domain the claims derive; permission
// escalation happens out of band through SetPermissions.
func (s *Service) ResolvePrincipal(ctx context.Context, claims auth.IdPClaims) (auth.Identity, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return auth.Identity{}, ErrInvalidPrincipal
	}
	domain := normalize(claims.TenantDomain())
	if domain == "" {
		return auth.Identity{}, fmt.Errorf("%w: no tenant domain in claims", ErrInvalidPrincipal)
	}

	var account Account
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = Account{
			Subject:     subject,
			UserID:      subject,
			Domain:      domain,
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.DisplayName),
			CanCreate:   true,
			CanEdit:     true,
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
			return auth.Identity{}, err
		}
		return account.Identity(), nil
	}
	if err != nil {
		return auth.Identity{}, err
	}

	account.LastSeenAt = s.now()
	if err := s.db.WithContext(ctx).Model(&Account{}).
		Where("subject = ?", subject).
		Update("last_seen_at", account.LastSeenAt).Error; err != nil {
		return auth.Identity{}, err
	}
	return account.Identity(), nil
}

// SetPermissions overwrites the persisted grants for a subject.
func (s *Service) SetPermissions(ctx context.Context, subject string, permissions auth.Permissions) error {
	subject = normalize(subject)
	if subject == "" {
		return ErrInvalidPrincipal
	}
	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("subject = ?", subject).
		Updates(map[string]interface{}{
			"can_create":         permissions.CanCreate,
			"can_edit":           permissions.CanEdit,
			"can_delete":         permissions.CanDelete,
			"can_approve":        permissions.CanApprove,
			"can_bulk_operation": permissions.CanBulkOperation,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: unknown subject %q", ErrInvalidPrincipal, subject)
	}
	return nil
}
