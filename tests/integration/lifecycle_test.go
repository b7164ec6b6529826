package integration

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stencilhq/stencil/internal/auth"
	"github.com/stencilhq/stencil/internal/database"
	"github.com/stencilhq/stencil/internal/presence"
	"github.com/stencilhq/stencil/internal/server"
	"github.com/stencilhq/stencil/internal/templates"
	"github.com/stencilhq/stencil/internal/users"
	"go.uber.org/zap"
)

const testIssuer = "https://idp.example.com"

type environment struct {
	api        *httptest.Server
	jwks       *httptest.Server
	privateKey *rsa.PrivateKey
	accounts   *users.Service
	dispatcher *server.RealtimeDispatcher
}

func newEnvironment(t *testing.T) *environment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	jwk := map[string]string{
		"kty": "RSA",
		"alg": "RS256",
		"kid": "test-key",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{jwk}})
	}))

	db, err := database.OpenSQLite(
		fmt.Sprintf("file:stencil_e2e_%d?mode=memory&cache=shared", time.Now().UnixNano()),
		zap.NewNop(),
	)
	if err != nil {
		jwks.Close()
		t.Fatalf("failed to open database: %v", err)
	}

	verifier, err := auth.NewIdPVerifier(auth.IdPVerifierConfig{
		Audience:       "stencil-web",
		JWKSURL:        jwks.URL,
		AllowedIssuers: []string{testIssuer},
		HTTPClient:     jwks.Client(),
	})
	if err != nil {
		jwks.Close()
		t.Fatalf("failed to construct verifier: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "stencil-auth",
		Audience:      "stencil-api",
		TokenTTL:      time.Hour,
	})
	accounts, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		jwks.Close()
		t.Fatalf("failed to construct account directory: %v", err)
	}
	store, err := templates.NewStore(db)
	if err != nil {
		jwks.Close()
		t.Fatalf("failed to construct store: %v", err)
	}
	dispatcher := server.NewRealtimeDispatcher()
	templateService, err := templates.NewService(templates.ServiceConfig{
		Store:      store,
		Events:     dispatcher,
		IDProvider: templates.NewUUIDProvider(),
	})
	if err != nil {
		jwks.Close()
		t.Fatalf("failed to construct template service: %v", err)
	}
	tracker := presence.NewTracker(presence.TrackerConfig{
		IdleTimeout: time.Minute,
		Publisher:   dispatcher,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IdPVerifier:     verifier,
		TokenManager:    issuer,
		Accounts:        accounts,
		TemplateService: templateService,
		Tracker:         tracker,
		Realtime:        dispatcher,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		jwks.Close()
		t.Fatalf("failed to construct handler: %v", err)
	}

	api := httptest.NewServer(handler)
	t.Cleanup(func() {
		api.Close()
		jwks.Close()
	})
	return &environment{
		api:        api,
		jwks:       jwks,
		privateKey: privateKey,
		accounts:   accounts,
		dispatcher: dispatcher,
	}
}

// login runs the full exchange: a signed IdP token in, a backend session
// token out.
func (e *environment) login(t *testing.T, subject, email string) string {
	t.Helper()
	now := time.Now().UTC()
	idToken := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud":   "stencil-web",
		"iss":   testIssuer,
		"sub":   subject,
		"email": email,
		"hd":    "acme.test",
		"exp":   now.Add(5 * time.Minute).Unix(),
		"iat":   now.Unix(),
	})
	idToken.Header["kid"] = "test-key"
	signed, err := idToken.SignedString(e.privateKey)
	if err != nil {
		t.Fatalf("failed to sign id token: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"id_token": signed})
	response, err := http.Post(e.api.URL+"/auth/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("session request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from session exchange, got %d", response.StatusCode)
	}
	var session struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&session); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	if session.AccessToken == "" {
		t.Fatalf("expected a session token")
	}
	return session.AccessToken
}

func (e *environment) call(t *testing.T, method, path, token string, body interface{}, out interface{}) int {
	t.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
		payload = encoded
	}
	request, err := http.NewRequest(method, e.api.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

type templateBody struct {
	TemplateID string   `json:"template_id"`
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	Version    int64    `json:"version"`
	Enabled    bool     `json:"enabled"`
	Variables  []string `json:"variables"`
	ApprovedBy string   `json:"approved_by"`
}

func TestTemplateLifecycleEndToEnd(t *testing.T) {
	env := newEnvironment(t)

	editorToken := env.login(t, "subj-alice", "alice@acme.test")

	var created templateBody
	status := env.call(t, http.MethodPost, "/templates", editorToken, map[string]interface{}{
		"name":         "Launch Announcement",
		"subject":      "{{first_name}}, we are live",
		"html_content": "<p>Try it today, {{first_name}}.</p>",
		"tags":         []string{"launch"},
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from create, got %d", status)
	}
	if created.Version != 1 || created.Status != "draft" {
		t.Fatalf("unexpected created template %+v", created)
	}
	templateID := created.TemplateID

	if status := env.call(t, http.MethodPost, "/templates/"+templateID+"/lock", editorToken, nil, nil); status != http.StatusOK {
		t.Fatalf("expected 200 acquiring lock, got %d", status)
	}

	var updated templateBody
	status = env.call(t, http.MethodPatch, "/templates/"+templateID, editorToken, map[string]interface{}{
		"expected_version": 1,
		"html_content":     "<p>Try it today, {{first_name}}. Ends {{deadline}}.</p>",
	}, &updated)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from update, got %d", status)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2 after edit, got %d", updated.Version)
	}
	if len(updated.Variables) != 2 {
		t.Fatalf("expected recomputed variables, got %v", updated.Variables)
	}

	if status := env.call(t, http.MethodDelete, "/templates/"+templateID+"/lock", editorToken, nil, nil); status != http.StatusNoContent {
		t.Fatalf("expected 204 releasing lock, got %d", status)
	}

	var request struct {
		RequestID       string `json:"request_id"`
		Status          string `json:"status"`
		TemplateVersion int64  `json:"template_version"`
	}
	status = env.call(t, http.MethodPost, "/templates/"+templateID+"/approval", editorToken, map[string]interface{}{
		"changes": "launch copy ready for review",
	}, &request)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from approval request, got %d", status)
	}
	if request.Status != "pending" || request.TemplateVersion != 2 {
		t.Fatalf("unexpected approval request %+v", request)
	}

	var pending templateBody
	if status := env.call(t, http.MethodGet, "/templates/"+templateID, editorToken, nil, &pending); status != http.StatusOK {
		t.Fatalf("expected 200 fetching template, got %d", status)
	}
	if pending.Status != "pending_approval" {
		t.Fatalf("expected pending_approval, got %s", pending.Status)
	}

	// Edits are frozen while the request is open.
	status = env.call(t, http.MethodPatch, "/templates/"+templateID, editorToken, map[string]interface{}{
		"expected_version": 2,
		"subject":          "late edit",
	}, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 editing a pending template, got %d", status)
	}

	// Provision the reviewer, grant approval rights, then log in again so
	// the session token carries the new permissions.
	env.login(t, "subj-bob", "bob@acme.test")
	if err := env.accounts.SetPermissions(context.Background(), "subj-bob", auth.Permissions{
		CanCreate:  true,
		CanEdit:    true,
		CanApprove: true,
	}); err != nil {
		t.Fatalf("failed to grant approval permission: %v", err)
	}
	approverToken := env.login(t, "subj-bob", "bob@acme.test")

	var approved templateBody
	status = env.call(t, http.MethodPost, "/templates/"+templateID+"/approve", approverToken, map[string]interface{}{
		"comments": "looks good",
	}, &approved)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from approve, got %d", status)
	}
	if approved.Status != "approved" || !approved.Enabled {
		t.Fatalf("unexpected approved template %+v", approved)
	}
	if approved.Version != 2 {
		t.Fatalf("approval must not consume a version, got %d", approved.Version)
	}
	if approved.ApprovedBy != "subj-bob" {
		t.Fatalf("unexpected approver %s", approved.ApprovedBy)
	}

	var history struct {
		Approvals []struct {
			Status   string `json:"status"`
			Comments string `json:"comments"`
		} `json:"approvals"`
	}
	if status := env.call(t, http.MethodGet, "/templates/"+templateID+"/approvals", editorToken, nil, &history); status != http.StatusOK {
		t.Fatalf("expected 200 listing approvals, got %d", status)
	}
	if len(history.Approvals) != 1 || history.Approvals[0].Status != "approved" || history.Approvals[0].Comments != "looks good" {
		t.Fatalf("unexpected approval history %+v", history.Approvals)
	}
}

func TestEventStreamDeliversStatusChanges(t *testing.T) {
	env := newEnvironment(t)
	token := env.login(t, "subj-alice", "alice@acme.test")

	var created templateBody
	status := env.call(t, http.MethodPost, "/templates", token, map[string]interface{}{
		"name":    "Digest",
		"subject": "Weekly digest",
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from create, got %d", status)
	}
	templateID := created.TemplateID

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.api.URL+"/templates/"+templateID+"/stream?access_token="+token, nil)
	if err != nil {
		t.Fatalf("failed to build stream request: %v", err)
	}

	events := make(chan string, 16)
	go func() {
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			return
		}
		defer response.Body.Close()
		scanner := bufio.NewScanner(response.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event:") {
				events <- strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}
	}()

	// The subscription registers inside the stream handler; publish sync
	// pings until one comes back so the archive event cannot race it.
	synced := false
	for attempt := 0; attempt < 100 && !synced; attempt++ {
		env.dispatcher.PublishEvent("sync", templateID, nil, time.Now().UTC())
		select {
		case name := <-events:
			if name == "sync" {
				synced = true
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	if !synced {
		t.Fatalf("stream subscription never became active")
	}

	if status := env.call(t, http.MethodPost, "/templates/"+templateID+"/archive", token, nil, nil); status != http.StatusOK {
		t.Fatalf("expected 200 archiving, got %d", status)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case name := <-events:
			if name == "status.changed" {
				return
			}
		case <-deadline:
			t.Fatalf("never received status.changed on the stream")
		}
	}
}
