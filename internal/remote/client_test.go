package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carryzone/carrymap/internal/pins"
)

func mustClient(t *testing.T, baseURL string, token TokenSource) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: baseURL, Token: token})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func wirePin(id string, lastModifiedMs int64) pinPayload {
	return pinPayload{
		ID:             id,
		Name:           "Corner Cafe",
		Latitude:       40.7128,
		Longitude:      -74.0060,
		Status:         pins.StatusNoGun.Code(),
		CreatedAtMs:    1000,
		LastModifiedMs: lastModifiedMs,
	}
}

func TestGetAllDecodesPins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/pins" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewEncoder(w).Encode([]pinPayload{wirePin("pin-1", 2000)}); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	result, err := client.GetAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 pin, got %d", len(result))
	}
	if result[0].ID != "pin-1" || result[0].Status != pins.StatusNoGun || result[0].LastModifiedMs != 2000 {
		t.Fatalf("unexpected pin decode: %+v", result[0])
	}
}

func TestGetAllSkipsMalformedPayloads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		broken := wirePin("pin-broken", 2000)
		broken.Status = 9
		payloads := []pinPayload{broken, wirePin("pin-good", 3000)}
		if err := json.NewEncoder(w).Encode(payloads); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	result, err := client.GetAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 || result[0].ID != "pin-good" {
		t.Fatalf("expected only the valid pin, got %+v", result)
	}
}

func TestGetAllSkipsOutOfRangePayloads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rogue := wirePin("rogue", 2000)
		rogue.Latitude = 200.0
		rogue.Longitude = -500.0
		unnamed := wirePin("", 2000)
		payloads := []pinPayload{rogue, unnamed, wirePin("pin-good", 3000)}
		if err := json.NewEncoder(w).Encode(payloads); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	result, err := client.GetAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 || result[0].ID != "pin-good" {
		t.Fatalf("expected out-of-range and unidentified pins dropped, got %+v", result)
	}
}

func TestGetInBoundingBoxSendsBounds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pins/box" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		query := r.URL.Query()
		if query.Get("min_lat") != "40.5" || query.Get("max_lat") != "41" ||
			query.Get("min_lng") != "-74.5" || query.Get("max_lng") != "-73.5" {
			t.Errorf("unexpected bounds query: %s", r.URL.RawQuery)
		}
		if err := json.NewEncoder(w).Encode([]pinPayload{}); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	if _, err := client.GetInBoundingBox(context.Background(), 40.5, 41, -74.5, -73.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetByIDNotFoundIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	_, found, err := client.GetByID(context.Background(), "pin-ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected found=false for 404")
	}
}

func TestInsertPostsPayloadAndBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/pins" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer session-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type %q", got)
		}
		var payload pinPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client := mustClient(t, server.URL, func() string { return "session-token" })
	pin := pins.Pin{ID: "pin-1", Name: "Corner Cafe", Latitude: 40.7128, Longitude: -74.0060,
		Status: pins.StatusAllowed, CreatedAtMs: 1000, LastModifiedMs: 1000}
	stored, err := client.Insert(context.Background(), pin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ID != pin.ID || stored.LastModifiedMs != pin.LastModifiedMs {
		t.Fatalf("unexpected server copy: %+v", stored)
	}
}

func TestUpdatePutsToPinPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/pins/pin-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var payload pinPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	pin := pins.Pin{ID: "pin-1", Name: "Corner Cafe", Latitude: 40.7128, Longitude: -74.0060,
		Status: pins.StatusUncertain, CreatedAtMs: 1000, LastModifiedMs: 2000}
	stored, err := client.Update(context.Background(), pin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != pins.StatusUncertain {
		t.Fatalf("unexpected server copy: %+v", stored)
	}
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/pins/pin-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	if err := client.Delete(context.Background(), "pin-1"); err != nil {
		t.Fatalf("expected delete of unknown id to succeed, got %v", err)
	}
}

func TestPingReportsNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	if err := client.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping failure on 503")
	}
}

func TestSubscribeChangesWithoutFeedURLIsInert(t *testing.T) {
	client := mustClient(t, "http://backend.invalid", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, cleanup, err := client.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()

	select {
	case event, open := <-events:
		if open {
			t.Fatalf("expected inert stream, got event %+v", event)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoginReturnsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var request credentialsPayload
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("failed to decode credentials: %v", err)
		}
		if request.Email != "mapper@example.com" || request.Password != "correct-horse" {
			t.Errorf("unexpected credentials: %+v", request)
		}
		response := tokenPayload{AccessToken: "jwt-1", ExpiresIn: 3600, TokenType: "Bearer", UserID: "user-7"}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	credentials, err := client.Login(context.Background(), "mapper@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if credentials.UserID != "user-7" || credentials.Token != "jwt-1" {
		t.Fatalf("unexpected credentials: %+v", credentials)
	}
}

func TestLoginRejectedSurfacesSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	if _, err := client.Login(context.Background(), "mapper@example.com", "wrong"); !errors.Is(err, ErrLoginRejected) {
		t.Fatalf("expected ErrLoginRejected, got %v", err)
	}
}

func TestRegisterReturnsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/register" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		response := tokenPayload{AccessToken: "jwt-2", ExpiresIn: 3600, TokenType: "Bearer", UserID: "user-8"}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client := mustClient(t, server.URL, nil)
	credentials, err := client.Register(context.Background(), "new@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if credentials.UserID != "user-8" || credentials.Token != "jwt-2" {
		t.Fatalf("unexpected credentials: %+v", credentials)
	}
}
