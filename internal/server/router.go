// Package server provides the reference implementation of the sync wire
// contract: batch upsert with per-item results and dependency checking,
// paginated fetch-since, and token endpoints. It backs local development
// and the integration tests; it is not a multi-tenant production server.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ascentlog/ascent-sync/internal/record"
	"github.com/ascentlog/ascent-sync/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ownerIDContextKey = "ascent_owner_id"

const (
	defaultFetchPageSize = 200
	maxFetchPageSize     = 1000
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenIssuer issues and validates the bearer tokens devices present.
// Satisfied by internal/auth.TokenIssuer.
type TokenIssuer interface {
	IssueToken(ctx context.Context, ownerID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Tokens TokenIssuer
	Logger *zap.Logger
}

// NewHTTPHandler builds the gin handler for the reference server.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens: deps.Tokens,
		table:  newMemTable(),
		logger: logger,
	}

	router.POST("/v1/auth/token", handler.handleIssueToken)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/refresh", handler.handleRefreshToken)
	protected.POST("/sync/:entity", handler.handleUpsert)
	protected.GET("/sync/:entity", handler.handleFetchSince)

	return router, nil
}

type httpHandler struct {
	tokens TokenIssuer
	table  *memTable
	logger *zap.Logger
}

type tokenRequestPayload struct {
	OwnerID  string `json:"owner_id"`
	DeviceID string `json:"device_id"`
}

type tokenResponsePayload struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	TokenType string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OwnerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), request.OwnerID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{Token: token, ExpiresIn: expiresIn, TokenType: "Bearer"})
}

func (h *httpHandler) handleRefreshToken(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to refresh token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{Token: token, ExpiresIn: expiresIn, TokenType: "Bearer"})
}

type upsertRequestPayload struct {
	Records []record.Snapshot `json:"records"`
}

type upsertResultPayload struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type upsertResponsePayload struct {
	Results []upsertResultPayload `json:"results"`
}

func (h *httpHandler) handleUpsert(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	entityType, err := record.ParseEntityType(c.Param("entity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_entity_type"})
		return
	}

	var request upsertRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response := upsertResponsePayload{Results: make([]upsertResultPayload, 0, len(request.Records))}
	for _, snapshot := range request.Records {
		result := upsertResultPayload{ID: snapshot.ID, Status: "ok"}
		if snapshot.EntityType != entityType.String() {
			result.Status = "error"
			result.Code = remote.CodeInvalidPayload
			result.Message = "entity type mismatch"
		} else if code := h.table.upsert(ownerID, snapshot); code != "" {
			result.Status = "error"
			result.Code = code
			result.Message = "upsert rejected"
		}
		response.Results = append(response.Results, result)
	}

	c.JSON(http.StatusOK, response)
}

type fetchResponsePayload struct {
	Records []record.Snapshot `json:"records"`
	HasMore bool              `json:"has_more"`
}

func (h *httpHandler) handleFetchSince(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	entityType, err := record.ParseEntityType(c.Param("entity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_entity_type"})
		return
	}

	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil || page < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultFetchPageSize)))
	if err != nil || pageSize <= 0 || pageSize > maxFetchPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page_size"})
		return
	}

	records, hasMore := h.table.fetchSince(ownerID, entityType.String(), since, page, pageSize)
	if records == nil {
		records = []record.Snapshot{}
	}
	c.JSON(http.StatusOK, fetchResponsePayload{Records: records, HasMore: hasMore})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}
