package handler

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"github.com/prperemyshlev/mailbox-connections/internal/dto"
	"github.com/prperemyshlev/mailbox-connections/internal/service"
	"go.uber.org/zap"
)

// ConnectionHandler handles mailbox connection requests
type ConnectionHandler struct {
	connections service.ConnectionService
	logger      *zap.Logger
	now         func() time.Time
}

// NewConnectionHandler creates a new connection handler
func NewConnectionHandler(connections service.ConnectionService, logger *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		connections: connections,
		logger:      logger.Named("connection_handler"),
		now:         time.Now,
	}
}

// List handles listing the caller's connections
// @Summary List mailbox connections
// @Tags connections
// @Security BearerAuth
// @Produce json
// @Success 200 {object} dto.ConnectionListResponse
// @Router /connections [get]
func (h *ConnectionHandler) List(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	conns, err := h.connections.ListConnections(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewConnectionListResponse(conns, h.now()))
}

// StartOAuth handles building the provider authorization URL
// @Summary Start an OAuth connection
// @Tags connections
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param provider path string true "gmail, outlook or yahoo"
// @Param request body dto.StartOAuthRequest true "Redirect URI"
// @Success 200 {object} dto.AuthorizationURLResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 503 {object} dto.ErrorResponse
// @Router /connections/oauth/{provider}/start [post]
func (h *ConnectionHandler) StartOAuth(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	provider, err := domain.ParseProvider(c.Param("provider"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	var req dto.StartOAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.validationFailed(c, err)
		return
	}

	authURL, err := h.connections.StartOAuth(c.Request.Context(), userID, provider, req.RedirectURI)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.AuthorizationURLResponse{
		AuthorizationURL: authURL,
		Provider:         string(provider),
	})
}

// OAuthCallback handles the provider redirect. The owner is recovered from the state parameter.
// @Summary Complete an OAuth connection
// @Tags connections
// @Produce json
// @Param state query string true "State issued by start"
// @Param code query string true "Authorization code"
// @Param redirect_uri query string false "Redirect URI used at start, defaults to this URL"
// @Success 201 {object} dto.ConnectionResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 502 {object} dto.ErrorResponse
// @Router /connections/oauth/callback [get]
func (h *ConnectionHandler) OAuthCallback(c *gin.Context) {
	if providerErr := c.Query("error"); providerErr != "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Authorization denied",
			Message: providerErr + ": " + c.Query("error_description"),
		})
		return
	}

	redirectURI := c.Query("redirect_uri")
	if redirectURI == "" {
		redirectURI = callbackURL(c)
	}

	conn, err := h.connections.HandleOAuthCallback(c.Request.Context(), c.Query("state"), c.Query("code"), redirectURI)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewConnectionResponse(conn, h.now()))
}

// AddIMAP handles storing IMAP credentials
// @Summary Add an IMAP connection
// @Tags connections
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body dto.IMAPConnectionRequest true "IMAP settings"
// @Success 201 {object} dto.ConnectionResponse
// @Failure 400 {object} dto.ErrorResponse
// @Router /connections/imap [post]
func (h *ConnectionHandler) AddIMAP(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var req dto.IMAPConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.validationFailed(c, err)
		return
	}

	conn, err := h.connections.AddIMAPConnection(c.Request.Context(), userID, service.IMAPConnectionInput{
		Email:    req.Email,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewConnectionResponse(conn, h.now()))
}

// Get handles fetching a single connection
// @Summary Get a mailbox connection
// @Tags connections
// @Security BearerAuth
// @Produce json
// @Param id path string true "Connection ID"
// @Success 200 {object} dto.ConnectionResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /connections/{id} [get]
func (h *ConnectionHandler) Get(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	conn, err := h.connections.GetConnection(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewConnectionResponse(conn, h.now()))
}

// Update handles toggling a connection and editing its notes
// @Summary Update a mailbox connection
// @Tags connections
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "Connection ID"
// @Param request body dto.UpdateConnectionRequest true "Changes"
// @Success 200 {object} dto.ConnectionResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /connections/{id} [patch]
func (h *ConnectionHandler) Update(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var req dto.UpdateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.validationFailed(c, err)
		return
	}

	conn, err := h.connections.UpdateConnection(c.Request.Context(), userID, c.Param("id"), service.ConnectionUpdate{
		IsActive: req.IsActive,
		Notes:    req.Notes,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewConnectionResponse(conn, h.now()))
}

// Delete handles removing a connection
// @Summary Remove a mailbox connection
// @Tags connections
// @Security BearerAuth
// @Param id path string true "Connection ID"
// @Success 204
// @Failure 404 {object} dto.ErrorResponse
// @Router /connections/{id} [delete]
func (h *ConnectionHandler) Delete(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	if err := h.connections.RemoveConnection(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Validate handles the stored-credential check
// @Summary Validate stored credentials
// @Tags connections
// @Security BearerAuth
// @Produce json
// @Param id path string true "Connection ID"
// @Success 200 {object} dto.ValidationResponse
// @Router /connections/{id}/validate [get]
func (h *ConnectionHandler) Validate(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	valid := h.connections.ValidateConnection(c.Request.Context(), userID, c.Param("id"))
	c.JSON(http.StatusOK, dto.ValidationResponse{Valid: valid})
}

// Test handles a live connection test
// @Summary Test a connection against the provider
// @Tags connections
// @Security BearerAuth
// @Produce json
// @Param id path string true "Connection ID"
// @Success 200 {object} dto.TestResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /connections/{id}/test [post]
func (h *ConnectionHandler) Test(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	success, err := h.connections.TestConnection(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.TestResponse{Success: success})
}

// Refresh handles returning a connection whose access token is valid for at least a few minutes
// @Summary Ensure a fresh access token
// @Tags connections
// @Security BearerAuth
// @Produce json
// @Param id path string true "Connection ID"
// @Success 200 {object} dto.ConnectionResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse
// @Failure 502 {object} dto.ErrorResponse
// @Router /connections/{id}/refresh [post]
func (h *ConnectionHandler) Refresh(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	conn, err := h.connections.GetConnectionWithValidToken(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewConnectionResponse(conn, h.now()))
}

// Sync handles a manual push of credentials to the Stage Updater
// @Summary Sync credentials to the Stage Updater
// @Tags connections
// @Security BearerAuth
// @Produce json
// @Param id path string true "Connection ID"
// @Success 200 {object} dto.SyncResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 502 {object} dto.ErrorResponse
// @Router /connections/{id}/sync [post]
func (h *ConnectionHandler) Sync(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	requestID := service.RequestIDFromContext(c.Request.Context())
	var req dto.SyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.validationFailed(c, err)
			return
		}
		if req.RequestID != "" {
			requestID = req.RequestID
		}
	}

	result, err := h.connections.SyncCredentialsToStageUpdater(c.Request.Context(), userID, c.Param("id"), requestID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.SyncResponse{Success: result.Success, Message: result.Message})
}

func (h *ConnectionHandler) requireUser(c *gin.Context) (string, bool) {
	userID, ok := userIDFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error:   "Unauthorized",
			Message: "User ID not found in context",
		})
	}
	return userID, ok
}

func (h *ConnectionHandler) validationFailed(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   "Validation failed",
		Message: err.Error(),
	})
}

// writeError maps the service error taxonomy onto HTTP statuses
func (h *ConnectionHandler) writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	status, title := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		message = "An unexpected error occurred"
	}

	c.JSON(status, dto.ErrorResponse{Error: title, Message: message})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "Bad request"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, domain.ErrRefreshTokenMissing):
		return http.StatusConflict, "Reconnect required"
	case errors.Is(err, domain.ErrProvider):
		return http.StatusBadGateway, "Provider error"
	case errors.Is(err, domain.ErrTransmission):
		return http.StatusBadGateway, "Transmission failed"
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusServiceUnavailable, "Service not configured"
	}
	return http.StatusInternalServerError, "Internal server error"
}

// callbackURL rebuilds the URL the provider redirected to, without its query
func callbackURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	host := c.Request.Host
	if fwd := c.GetHeader("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}

	u := url.URL{Scheme: scheme, Host: host, Path: c.Request.URL.Path}
	return u.String()
}
