package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/carryzone/carrymap/internal/accounts"
	"github.com/carryzone/carrymap/internal/auth"
	"github.com/carryzone/carrymap/internal/pins"
)

const userIDContextKey = "carrymap_user_id"

var (
	errMissingAccountService = errors.New("account service dependency required")
	errMissingTokenIssuer    = errors.New("token issuer dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingPinStore       = errors.New("pin store dependency required")
)

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	Accounts   *accounts.Service
	Tokens     *auth.TokenIssuer
	Validator  *auth.TokenValidator
	Store      *pins.Store
	Dispatcher *RealtimeDispatcher
	Logger     *zap.Logger
}

// NewHTTPHandler assembles the backend router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Validator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Store == nil {
		return nil, errMissingPinStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		accounts:   deps.Accounts,
		tokens:     deps.Tokens,
		validator:  deps.Validator,
		store:      deps.Store,
		dispatcher: dispatcher,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	pinRoutes := router.Group("/pins")
	pinRoutes.Use(handler.attachUserID)
	pinRoutes.GET("", handler.handleListPins)
	pinRoutes.GET("/box", handler.handleBoundingBox)
	pinRoutes.GET("/feed", handler.handleFeed)
	pinRoutes.GET("/:id", handler.handleGetPin)
	pinRoutes.POST("", handler.handleCreatePin)
	pinRoutes.PUT("/:id", handler.handleUpsertPin)
	pinRoutes.DELETE("/:id", handler.handleDeletePin)

	return router, nil
}

type httpHandler struct {
	accounts   *accounts.Service
	tokens     *auth.TokenIssuer
	validator  *auth.TokenValidator
	store      *pins.Store
	dispatcher *RealtimeDispatcher
	logger     *zap.Logger
}

// pinPayload mirrors the client wire shape: status as its small-integer code,
// timestamps as epoch milliseconds.
type pinPayload struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	Status            int     `json:"status"`
	PhotoRef          string  `json:"photo_ref,omitempty"`
	Notes             string  `json:"notes,omitempty"`
	Votes             int     `json:"votes"`
	CreatorID         string  `json:"creator_id,omitempty"`
	CreatedAtMs       int64   `json:"created_at_ms"`
	LastModifiedMs    int64   `json:"last_modified_ms"`
	RestrictionReason string  `json:"restriction_reason,omitempty"`
	SecurityScreening bool    `json:"security_screening"`
	PostedSignage     bool    `json:"posted_signage"`
}

type changeFeedPayload struct {
	Event string      `json:"event"`
	PinID string      `json:"pin_id"`
	Pin   *pinPayload `json:"pin,omitempty"`
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.Register(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "email_taken"})
		case errors.Is(err, accounts.ErrInvalidEmail), errors.Is(err, accounts.ErrWeakPassword):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		default:
			h.logger.Error("account registration failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		}
		return
	}
	h.respondWithToken(c, http.StatusCreated, account)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("account authentication failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication_failed"})
		return
	}
	h.respondWithToken(c, http.StatusOK, account)
}

func (h *httpHandler) respondWithToken(c *gin.Context, status int, account accounts.Account) {
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), account.UserID, account.Email)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      account.UserID,
	})
}

// attachUserID resolves an optional Bearer token. Pins can be created and
// read anonymously; a present-but-invalid token is still rejected.
func (h *httpHandler) attachUserID(c *gin.Context) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		c.Next()
		return
	}
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID())
	c.Next()
}

func requestUserID(c *gin.Context) string {
	value, ok := c.Get(userIDContextKey)
	if !ok {
		return ""
	}
	userID, ok := value.(string)
	if !ok {
		return ""
	}
	return userID
}

func (h *httpHandler) handleListPins(c *gin.Context) {
	stored, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("pin list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, payloadsFromPins(stored))
}

func (h *httpHandler) handleBoundingBox(c *gin.Context) {
	bounds := [4]float64{}
	for i, key := range []string{"min_lat", "max_lat", "min_lng", "max_lng"} {
		value, err := strconv.ParseFloat(c.Query(key), 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bounds"})
			return
		}
		bounds[i] = value
	}

	stored, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("pin list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	matched := make([]pins.Pin, 0, len(stored))
	for _, pin := range stored {
		if pin.Latitude >= bounds[0] && pin.Latitude <= bounds[1] &&
			pin.Longitude >= bounds[2] && pin.Longitude <= bounds[3] {
			matched = append(matched, pin)
		}
	}
	c.JSON(http.StatusOK, payloadsFromPins(matched))
}

func (h *httpHandler) handleGetPin(c *gin.Context) {
	pin, found, err := h.store.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("pin lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, payloadFromPin(pin))
}

func (h *httpHandler) handleCreatePin(c *gin.Context) {
	pin, ok := h.bindPin(c)
	if !ok {
		return
	}
	if pin.CreatorID == "" {
		pin.CreatorID = requestUserID(c)
	}

	_, found, err := h.store.GetByID(c.Request.Context(), pin.ID)
	if err != nil {
		h.logger.Error("pin lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if found {
		// Offline replays re-send creates; converge instead of rejecting.
		if err := h.store.Update(c.Request.Context(), pin); err != nil {
			h.logger.Error("pin update failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
			return
		}
		h.dispatcher.Publish(pins.ChangeEvent{Kind: pins.ChangeUpdate, PinID: pin.ID, Pin: &pin})
		c.JSON(http.StatusOK, payloadFromPin(pin))
		return
	}

	if err := h.store.Insert(c.Request.Context(), pin); err != nil {
		h.logger.Error("pin insert failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	h.dispatcher.Publish(pins.ChangeEvent{Kind: pins.ChangeInsert, PinID: pin.ID, Pin: &pin})
	c.JSON(http.StatusCreated, payloadFromPin(pin))
}

// handleUpsertPin writes the client's copy whether or not the id is known.
// An UPDATE queued for a pin the backend has never seen (a CREATE collapsed
// by the client's replace-on-enqueue rule) creates it here.
func (h *httpHandler) handleUpsertPin(c *gin.Context) {
	pin, ok := h.bindPin(c)
	if !ok {
		return
	}
	if pin.ID != c.Param("id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id_mismatch"})
		return
	}

	_, found, err := h.store.GetByID(c.Request.Context(), pin.ID)
	if err != nil {
		h.logger.Error("pin lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	if found {
		if err := h.store.Update(c.Request.Context(), pin); err != nil {
			h.logger.Error("pin update failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
			return
		}
		h.dispatcher.Publish(pins.ChangeEvent{Kind: pins.ChangeUpdate, PinID: pin.ID, Pin: &pin})
	} else {
		if err := h.store.Insert(c.Request.Context(), pin); err != nil {
			h.logger.Error("pin insert failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
			return
		}
		h.dispatcher.Publish(pins.ChangeEvent{Kind: pins.ChangeInsert, PinID: pin.ID, Pin: &pin})
	}
	c.JSON(http.StatusOK, payloadFromPin(pin))
}

func (h *httpHandler) handleDeletePin(c *gin.Context) {
	pinID := c.Param("id")
	pin, found, err := h.store.GetByID(c.Request.Context(), pinID)
	if err != nil {
		h.logger.Error("pin lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if pin.CreatorID != "" && pin.CreatorID != requestUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	if err := h.store.Delete(c.Request.Context(), pinID); err != nil {
		h.logger.Error("pin delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	h.dispatcher.Publish(pins.ChangeEvent{Kind: pins.ChangeDelete, PinID: pinID})
	c.JSON(http.StatusOK, gin.H{"deleted": pinID})
}

func (h *httpHandler) bindPin(c *gin.Context) (pins.Pin, bool) {
	var payload pinPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return pins.Pin{}, false
	}
	pin, err := pinFromPayload(payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pin"})
		return pins.Pin{}, false
	}
	return pin, true
}

func payloadFromPin(pin pins.Pin) pinPayload {
	return pinPayload{
		ID:                pin.ID,
		Name:              pin.Name,
		Latitude:          pin.Latitude,
		Longitude:         pin.Longitude,
		Status:            pin.Status.Code(),
		PhotoRef:          pin.PhotoRef,
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

func payloadsFromPins(stored []pins.Pin) []pinPayload {
	payloads := make([]pinPayload, 0, len(stored))
	for _, pin := range stored {
		payloads = append(payloads, payloadFromPin(pin))
	}
	return payloads
}

func pinFromPayload(payload pinPayload) (pins.Pin, error) {
	pinID, err := pins.NewPinID(payload.ID)
	if err != nil {
		return pins.Pin{}, err
	}
	coordinate, err := pins.NewCoordinate(payload.Latitude, payload.Longitude)
	if err != nil {
		return pins.Pin{}, err
	}
	status, err := pins.NewStatus(payload.Status)
	if err != nil {
		return pins.Pin{}, err
	}
	return pins.NewPin(pins.PinConfig{
		ID:                pinID,
		Name:              payload.Name,
		Coordinate:        coordinate,
		Status:            status,
		PhotoRef:          payload.PhotoRef,
		Notes:             payload.Notes,
		Votes:             payload.Votes,
		CreatorID:         payload.CreatorID,
		CreatedAtMs:       payload.CreatedAtMs,
		LastModifiedMs:    payload.LastModifiedMs,
		RestrictionReason: payload.RestrictionReason,
		SecurityScreening: payload.SecurityScreening,
		PostedSignage:     payload.PostedSignage,
	}), nil
}
