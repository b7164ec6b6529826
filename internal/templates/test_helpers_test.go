package templates

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stencilhq/stencil/internal/auth"
	"gorm.io/gorm"
)

const testDomain = "acme.test"

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type capturedEvent struct {
	Type       string
	TemplateID string
	Payload    map[string]interface{}
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturingPublisher) PublishEvent(eventType, templateID string, payload map[string]interface{}, _ time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{Type: eventType, TemplateID: templateID, Payload: payload})
}

func (p *capturingPublisher) ofType(eventType string) []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []capturedEvent
	for _, event := range p.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB, *capturingPublisher) {
	t.Helper()

	dsn := fmt.Sprintf("file:stencil_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Template{}, &Folder{}, &ApprovalRequest{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	publisher := &capturingPublisher{}
	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }

	service, err := NewService(ServiceConfig{
		Store:      store,
		Clock:      clock,
		IDProvider: &staticIDGenerator{ids: ids},
		Events:     publisher,
	})
	if err != nil {
		t.Fatalf("failed to construct template service: %v", err)
	}

	return service, db, publisher
}

func editorIdentity(userID string) auth.Identity {
	return auth.Identity{
		UserID: userID,
		Domain: testDomain,
		Permissions: auth.Permissions{
			CanCreate: true,
			CanEdit:   true,
		},
	}
}

func approverIdentity(userID string) auth.Identity {
	return auth.Identity{
		UserID: userID,
		Domain: testDomain,
		Permissions: auth.Permissions{
			CanCreate:  true,
			CanEdit:    true,
			CanApprove: true,
		},
	}
}

func adminIdentity(userID string) auth.Identity {
	return auth.Identity{
		UserID: userID,
		Domain: testDomain,
		Permissions: auth.Permissions{
			CanCreate:        true,
			CanEdit:          true,
			CanDelete:        true,
			CanApprove:       true,
			CanBulkOperation: true,
		},
	}
}

func stringPtr(value string) *string {
	return &value
}
