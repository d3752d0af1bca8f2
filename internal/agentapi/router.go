// Package agentapi is the loopback HTTP surface the device UI drives: local
// pin reads and writes through the offline-first repository, plus sync
// status and manual trigger endpoints.
package agentapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/carryzone/carrymap/internal/auth"
	"github.com/carryzone/carrymap/internal/pins"
	"github.com/carryzone/carrymap/internal/remote"
	"github.com/carryzone/carrymap/internal/repository"
	"github.com/carryzone/carrymap/internal/syncengine"
)

var (
	errMissingRepository    = errors.New("repository dependency required")
	errMissingEngine        = errors.New("sync engine dependency required")
	errMissingSession       = errors.New("auth session dependency required")
	errMissingAuthenticator = errors.New("backend authenticator dependency required")
)

// Authenticator exchanges credentials with the backend for a bearer token.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (remote.Credentials, error)
	Register(ctx context.Context, email, password string) (remote.Credentials, error)
}

// Dependencies wires the control surface to the sync core.
type Dependencies struct {
	Repository    *repository.Repository
	Engine        *syncengine.Engine
	Session       *auth.Session
	Authenticator Authenticator
	Logger        *zap.Logger
}

// NewHTTPHandler assembles the agent's loopback router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Repository == nil {
		return nil, errMissingRepository
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Session == nil {
		return nil, errMissingSession
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	handler := &agentHandler{
		repository:    deps.Repository,
		engine:        deps.Engine,
		session:       deps.Session,
		authenticator: deps.Authenticator,
		logger:        logger,
	}

	router.GET("/pins", handler.handleListPins)
	router.POST("/pins", handler.handleAddPin)
	router.POST("/pins/:id/cycle", handler.handleCycleStatus)
	router.DELETE("/pins/:id", handler.handleDeletePin)
	router.GET("/sync/status", handler.handleSyncStatus)
	router.POST("/sync/trigger", handler.handleTriggerSync)
	router.GET("/sync/pending", handler.handlePendingCount)
	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/logout", handler.handleLogout)
	router.GET("/auth/session", handler.handleSessionState)

	return router, nil
}

type agentHandler struct {
	repository    *repository.Repository
	engine        *syncengine.Engine
	session       *auth.Session
	authenticator Authenticator
	logger        *zap.Logger
}

type addPinPayload struct {
	Name              string  `json:"name"`
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	Status            int     `json:"status"`
	Notes             string  `json:"notes,omitempty"`
	RestrictionReason string  `json:"restriction_reason,omitempty"`
	SecurityScreening bool    `json:"security_screening"`
	PostedSignage     bool    `json:"posted_signage"`
}

type pinResponsePayload struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	Status            int     `json:"status"`
	Notes             string  `json:"notes,omitempty"`
	Votes             int     `json:"votes"`
	CreatorID         string  `json:"creator_id,omitempty"`
	CreatedAtMs       int64   `json:"created_at_ms"`
	LastModifiedMs    int64   `json:"last_modified_ms"`
	RestrictionReason string  `json:"restriction_reason,omitempty"`
	SecurityScreening bool    `json:"security_screening"`
	PostedSignage     bool    `json:"posted_signage"`
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionPayload struct {
	SignedIn bool   `json:"signed_in"`
	UserID   string `json:"user_id,omitempty"`
}

type syncStatusPayload struct {
	State      string `json:"state"`
	Pending    int    `json:"pending,omitempty"`
	Uploaded   int    `json:"uploaded,omitempty"`
	Downloaded int    `json:"downloaded,omitempty"`
	Message    string `json:"message,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func (h *agentHandler) handleListPins(c *gin.Context) {
	stored, err := h.repository.List(c.Request.Context())
	if err != nil {
		h.logger.Error("local pin list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	payloads := make([]pinResponsePayload, 0, len(stored))
	for _, pin := range stored {
		payloads = append(payloads, responseFromPin(pin))
	}
	c.JSON(http.StatusOK, payloads)
}

func (h *agentHandler) handleAddPin(c *gin.Context) {
	var payload addPinPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	coordinate, err := pins.NewCoordinate(payload.Latitude, payload.Longitude)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_coordinate"})
		return
	}
	status, err := pins.NewStatus(payload.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}

	// Identity and timestamps are assigned by the repository.
	pin := pins.NewPin(pins.PinConfig{
		Name:              payload.Name,
		Coordinate:        coordinate,
		Status:            status,
		Notes:             payload.Notes,
		RestrictionReason: payload.RestrictionReason,
		SecurityScreening: payload.SecurityScreening,
		PostedSignage:     payload.PostedSignage,
	})
	stored, err := h.repository.Add(c.Request.Context(), pin)
	if err != nil {
		h.logger.Error("local pin add failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	c.JSON(http.StatusCreated, responseFromPin(stored))
}

func (h *agentHandler) handleCycleStatus(c *gin.Context) {
	updated, err := h.repository.CycleStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrPinNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("status cycle failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	c.JSON(http.StatusOK, responseFromPin(updated))
}

func (h *agentHandler) handleDeletePin(c *gin.Context) {
	pinID := c.Param("id")
	pin, found, err := h.repository.GetByID(c.Request.Context(), pinID)
	if err != nil {
		h.logger.Error("local pin lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err := h.repository.Delete(c.Request.Context(), pin); err != nil {
		h.logger.Error("local pin delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": pinID})
}

func (h *agentHandler) handleSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusPayloadFrom(h.engine.CurrentStatus()))
}

func (h *agentHandler) handleTriggerSync(c *gin.Context) {
	outcome, err := h.engine.TriggerSync(c.Request.Context())
	if err != nil {
		if errors.Is(err, syncengine.ErrDeviceOffline) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device_offline"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uploaded":   outcome.Uploaded,
		"downloaded": outcome.Downloaded,
	})
}

func (h *agentHandler) handleLogin(c *gin.Context) {
	h.exchangeCredentials(c, h.authenticator.Login)
}

func (h *agentHandler) handleRegister(c *gin.Context) {
	h.exchangeCredentials(c, h.authenticator.Register)
}

// exchangeCredentials forwards email/password to the backend and, on success,
// records the issued identity in the session so later writes carry it.
func (h *agentHandler) exchangeCredentials(c *gin.Context, exchange func(context.Context, string, string) (remote.Credentials, error)) {
	var payload credentialsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	credentials, err := exchange(c.Request.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, remote.ErrLoginRejected) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Warn("backend sign-in failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "backend_unreachable"})
		return
	}
	h.session.SignIn(credentials.UserID, credentials.Token)
	c.JSON(http.StatusOK, sessionPayload{SignedIn: true, UserID: credentials.UserID})
}

func (h *agentHandler) handleLogout(c *gin.Context) {
	h.session.SignOut()
	c.JSON(http.StatusOK, sessionPayload{})
}

func (h *agentHandler) handleSessionState(c *gin.Context) {
	userID := h.session.CurrentUserID()
	c.JSON(http.StatusOK, sessionPayload{SignedIn: userID != "", UserID: userID})
}

func (h *agentHandler) handlePendingCount(c *gin.Context) {
	count, err := h.engine.PendingOperationCount(c.Request.Context())
	if err != nil {
		h.logger.Error("pending count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": count})
}

func responseFromPin(pin pins.Pin) pinResponsePayload {
	return pinResponsePayload{
		ID:                pin.ID,
		Name:              pin.Name,
		Latitude:          pin.Latitude,
		Longitude:         pin.Longitude,
		Status:            pin.Status.Code(),
		Notes:             pin.Notes,
		Votes:             pin.Votes,
		CreatorID:         pin.CreatorID,
		CreatedAtMs:       pin.CreatedAtMs,
		LastModifiedMs:    pin.LastModifiedMs,
		RestrictionReason: pin.RestrictionReason,
		SecurityScreening: pin.SecurityScreening,
		PostedSignage:     pin.PostedSignage,
	}
}

func statusPayloadFrom(status syncengine.Status) syncStatusPayload {
	payload := syncStatusPayload{
		Pending:    status.Pending,
		Uploaded:   status.Uploaded,
		Downloaded: status.Downloaded,
		Message:    status.Message,
		Retryable:  status.Retryable,
	}
	switch status.Kind {
	case syncengine.StatusSyncing:
		payload.State = "syncing"
	case syncengine.StatusSuccess:
		payload.State = "success"
	case syncengine.StatusError:
		payload.State = "error"
	default:
		payload.State = "idle"
	}
	return payload
}
