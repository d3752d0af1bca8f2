package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/carryzone/carrymap/internal/accounts"
	"github.com/carryzone/carrymap/internal/auth"
	"github.com/carryzone/carrymap/internal/pins"
)

var routerSigningSecret = []byte("router-test-signing-secret")

type routerFixture struct {
	handler    http.Handler
	store      *pins.Store
	dispatcher *RealtimeDispatcher
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&pins.Record{}, &accounts.Account{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build account service: %v", err)
	}
	store, err := pins.NewStore(pins.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: routerSigningSecret,
		Issuer:        "carrymap-api",
	})
	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: routerSigningSecret,
		Issuer:        "carrymap-api",
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Accounts:   accountService,
		Tokens:     issuer,
		Validator:  validator,
		Store:      store,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &routerFixture{handler: handler, store: store, dispatcher: dispatcher}
}

func (f *routerFixture) request(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) registerUser(t *testing.T, email string) tokenResponsePayload {
	t.Helper()
	recorder := f.request(t, http.MethodPost, "/auth/register",
		credentialsPayload{Email: email, Password: "correct-horse"}, "")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response tokenResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if response.AccessToken == "" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected token response: %+v", response)
	}
	return response
}

func testPayload(id string) pinPayload {
	return pinPayload{
		ID:             id,
		Name:           "Corner Cafe",
		Latitude:       40.7128,
		Longitude:      -74.0060,
		Status:         pins.StatusAllowed.Code(),
		CreatedAtMs:    1000,
		LastModifiedMs: 1000,
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	recorder := f.request(t, http.MethodGet, "/healthz", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestRegisterThenLogin(t *testing.T) {
	f := newRouterFixture(t)
	registered := f.registerUser(t, "mapper@example.com")

	recorder := f.request(t, http.MethodPost, "/auth/login",
		credentialsPayload{Email: "mapper@example.com", Password: "correct-horse"}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response tokenResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if response.UserID != registered.UserID {
		t.Fatalf("expected stable user id across register and login")
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	f := newRouterFixture(t)
	f.registerUser(t, "mapper@example.com")

	recorder := f.request(t, http.MethodPost, "/auth/register",
		credentialsPayload{Email: "mapper@example.com", Password: "other-password"}, "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := newRouterFixture(t)
	f.registerUser(t, "mapper@example.com")

	recorder := f.request(t, http.MethodPost, "/auth/login",
		credentialsPayload{Email: "mapper@example.com", Password: "wrong-password"}, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestCreateAndListPins(t *testing.T) {
	f := newRouterFixture(t)

	recorder := f.request(t, http.MethodPost, "/pins", testPayload("pin-1"), "")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.request(t, http.MethodGet, "/pins", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var listed []pinPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "pin-1" {
		t.Fatalf("unexpected list response: %+v", listed)
	}
}

func TestCreatePinClampsBackdatedModification(t *testing.T) {
	f := newRouterFixture(t)

	backdated := testPayload("pin-1")
	backdated.CreatedAtMs = 9000
	backdated.LastModifiedMs = 100

	recorder := f.request(t, http.MethodPost, "/pins", backdated, "")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var stored pinPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &stored); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stored.LastModifiedMs != 9000 {
		t.Fatalf("expected last modified clamped to creation, got %d", stored.LastModifiedMs)
	}
}

func TestCreateExistingPinConverges(t *testing.T) {
	f := newRouterFixture(t)

	if recorder := f.request(t, http.MethodPost, "/pins", testPayload("pin-1"), ""); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}

	replay := testPayload("pin-1")
	replay.Notes = "metal detectors at the door"
	replay.LastModifiedMs = 2000
	recorder := f.request(t, http.MethodPost, "/pins", replay, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected replayed create to converge with 200, got %d", recorder.Code)
	}

	stored, found, err := f.store.GetByID(context.Background(), "pin-1")
	if err != nil || !found {
		t.Fatalf("expected pin present: found=%t err=%v", found, err)
	}
	if stored.Notes != "metal detectors at the door" || stored.LastModifiedMs != 2000 {
		t.Fatalf("expected replayed copy stored, got %+v", stored)
	}
}

func TestUpsertCreatesUnknownPin(t *testing.T) {
	f := newRouterFixture(t)

	recorder := f.request(t, http.MethodPut, "/pins/pin-1", testPayload("pin-1"), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for upsert of unknown id, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if _, found, err := f.store.GetByID(context.Background(), "pin-1"); err != nil || !found {
		t.Fatalf("expected upsert to create the pin: found=%t err=%v", found, err)
	}
}

func TestUpsertRejectsIDMismatch(t *testing.T) {
	f := newRouterFixture(t)

	recorder := f.request(t, http.MethodPut, "/pins/pin-other", testPayload("pin-1"), "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for id mismatch, got %d", recorder.Code)
	}
}

func TestCreateRejectsInvalidPin(t *testing.T) {
	f := newRouterFixture(t)

	invalid := testPayload("pin-1")
	invalid.Latitude = 95
	if recorder := f.request(t, http.MethodPost, "/pins", invalid, ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range latitude, got %d", recorder.Code)
	}

	invalid = testPayload("pin-1")
	invalid.Status = 9
	if recorder := f.request(t, http.MethodPost, "/pins", invalid, ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", recorder.Code)
	}
}

func TestBoundingBoxFiltersPins(t *testing.T) {
	f := newRouterFixture(t)

	inside := testPayload("pin-inside")
	outside := testPayload("pin-outside")
	outside.Latitude = 34.0522
	outside.Longitude = -118.2437
	for _, payload := range []pinPayload{inside, outside} {
		if recorder := f.request(t, http.MethodPost, "/pins", payload, ""); recorder.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", recorder.Code)
		}
	}

	recorder := f.request(t, http.MethodGet, "/pins/box?min_lat=40&max_lat=41&min_lng=-75&max_lng=-73", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var matched []pinPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &matched); err != nil {
		t.Fatalf("failed to decode box response: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "pin-inside" {
		t.Fatalf("unexpected bounding box result: %+v", matched)
	}
}

func TestBoundingBoxRejectsMalformedBounds(t *testing.T) {
	f := newRouterFixture(t)

	recorder := f.request(t, http.MethodGet, "/pins/box?min_lat=abc", nil, "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed bounds, got %d", recorder.Code)
	}
}

func TestGetPinNotFound(t *testing.T) {
	f := newRouterFixture(t)

	recorder := f.request(t, http.MethodGet, "/pins/pin-ghost", nil, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestDeleteOwnedPinRequiresCreator(t *testing.T) {
	f := newRouterFixture(t)
	owner := f.registerUser(t, "owner@example.com")
	stranger := f.registerUser(t, "stranger@example.com")

	if recorder := f.request(t, http.MethodPost, "/pins", testPayload("pin-1"), owner.AccessToken); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}

	if recorder := f.request(t, http.MethodDelete, "/pins/pin-1", nil, stranger.AccessToken); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-creator delete, got %d", recorder.Code)
	}
	if recorder := f.request(t, http.MethodDelete, "/pins/pin-1", nil, ""); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for anonymous delete of owned pin, got %d", recorder.Code)
	}
	if recorder := f.request(t, http.MethodDelete, "/pins/pin-1", nil, owner.AccessToken); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for creator delete, got %d", recorder.Code)
	}
}

func TestDeleteAnonymousPinIsOpen(t *testing.T) {
	f := newRouterFixture(t)

	if recorder := f.request(t, http.MethodPost, "/pins", testPayload("pin-1"), ""); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}
	if recorder := f.request(t, http.MethodDelete, "/pins/pin-1", nil, ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for anonymous pin delete, got %d", recorder.Code)
	}
	if recorder := f.request(t, http.MethodDelete, "/pins/pin-1", nil, ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d", recorder.Code)
	}
}

func TestInvalidTokenIsRejectedEvenThoughOptional(t *testing.T) {
	f := newRouterFixture(t)

	recorder := f.request(t, http.MethodGet, "/pins", nil, "not-a-real-token")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", recorder.Code)
	}
}

func TestWritesPublishChangeEvents(t *testing.T) {
	f := newRouterFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, cleanup := f.dispatcher.Subscribe(ctx)
	defer cleanup()

	if recorder := f.request(t, http.MethodPost, "/pins", testPayload("pin-1"), ""); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}
	if recorder := f.request(t, http.MethodDelete, "/pins/pin-1", nil, ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	first := <-events
	if first.Kind != pins.ChangeInsert || first.PinID != "pin-1" || first.Pin == nil {
		t.Fatalf("expected insert event, got %+v", first)
	}
	second := <-events
	if second.Kind != pins.ChangeDelete || second.PinID != "pin-1" {
		t.Fatalf("expected delete event, got %+v", second)
	}
}
