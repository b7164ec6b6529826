package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stencilhq/stencil/internal/auth"
	"github.com/stencilhq/stencil/internal/presence"
	"github.com/stencilhq/stencil/internal/templates"
	"go.uber.org/zap"
)

const identityContextKey = "stencil_identity"

var (
	errMissingIdPVerifier     = errors.New("idp verifier dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingAccounts        = errors.New("account directory dependency required")
	errMissingTemplateService = errors.New("template service dependency required")
	errMissingTracker         = errors.New("presence tracker dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// IdPVerifier validates upstream identity-provider ID tokens.
type IdPVerifier interface {
	Verify(ctx context.Context, token string) (auth.IdPClaims, error)
}

// SessionTokenManager issues and validates backend session tokens.
type SessionTokenManager interface {
	IssueToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.Identity, error)
}

// AccountDirectory resolves validated IdP claims into a principal.
type AccountDirectory interface {
	ResolvePrincipal(ctx context.Context, claims auth.IdPClaims) (auth.Identity, error)
}

// Dependencies wires the HTTP layer to the coordinator.
type Dependencies struct {
	IdPVerifier     IdPVerifier
	TokenManager    SessionTokenManager
	Accounts        AccountDirectory
	TemplateService *templates.Service
	Tracker         *presence.Tracker
	Realtime        *RealtimeDispatcher
	Logger          *zap.Logger
}

// NewHTTPHandler assembles the gin router for the coordinator API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.IdPVerifier == nil {
		return nil, errMissingIdPVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.TemplateService == nil {
		return nil, errMissingTemplateService
	}
	if deps.Tracker == nil {
		return nil, errMissingTracker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Realtime
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:  deps.IdPVerifier,
		tokens:    deps.TokenManager,
		accounts:  deps.Accounts,
		templates: deps.TemplateService,
		tracker:   deps.Tracker,
		realtime:  dispatcher,
		logger:    logger,
	}

	router.POST("/auth/session", handler.handleCreateSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/templates", handler.handleCreateTemplate)
	protected.GET("/templates", handler.handleListTemplates)
	protected.GET("/templates/:id", handler.handleGetTemplate)
	protected.PATCH("/templates/:id", handler.handleUpdateTemplate)
	protected.DELETE("/templates/:id", handler.handleDeleteTemplate)
	protected.POST("/templates/:id/duplicate", handler.handleDuplicateTemplate)
	protected.POST("/templates/:id/move", handler.handleMoveTemplate)
	protected.POST("/templates/:id/archive", handler.handleArchiveTemplate)

	protected.POST("/templates/:id/approval", handler.handleRequestApproval)
	protected.GET("/templates/:id/approvals", handler.handleListApprovals)
	protected.POST("/templates/:id/approve", handler.handleApproveTemplate)
	protected.POST("/templates/:id/reject", handler.handleRejectTemplate)

	protected.POST("/templates/:id/lock", handler.handleAcquireLock)
	protected.DELETE("/templates/:id/lock", handler.handleReleaseLock)
	protected.POST("/templates/:id/presence", handler.handleHeartbeatPresence)
	protected.DELETE("/templates/:id/presence", handler.handleMarkAbsent)
	protected.GET("/templates/:id/collab", handler.handleCollabSnapshot)
	protected.GET("/templates/:id/stream", handler.handleEventStream)

	protected.POST("/folders", handler.handleCreateFolder)
	protected.GET("/folders", handler.handleListFolders)
	protected.DELETE("/folders/:id", handler.handleDeleteFolder)

	protected.POST("/templates/bulk/delete", handler.handleBulkDelete)
	protected.POST("/templates/bulk/move", handler.handleBulkMove)
	protected.POST("/templates/bulk/archive", handler.handleBulkArchive)

	return router, nil
}

type httpHandler struct {
	verifier  IdPVerifier
	tokens    SessionTokenManager
	accounts  AccountDirectory
	templates *templates.Service
	tracker   *presence.Tracker
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
}

type sessionRequestPayload struct {
	IDToken string `json:"id_token"`
}

type sessionResponsePayload struct {
	AccessToken string           `json:"access_token"`
	ExpiresIn   int64            `json:"expires_in"`
	TokenType   string           `json:"token_type"`
	UserID      string           `json:"user_id"`
	Domain      string           `json:"domain"`
	Permissions auth.Permissions `json:"permissions"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("id token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	identity, err := h.accounts.ResolvePrincipal(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("principal resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      identity.UserID,
		Domain:      identity.Domain,
		Permissions: identity.Permissions,
	})
}

// authorizeRequest validates the bearer token (or access_token query
// parameter, which EventSource clients must use) and stashes the identity.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) identity(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.Identity{}, false
	}
	return identity, true
}
