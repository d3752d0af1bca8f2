// Package remote is the HTTP/websocket client for the shared CarryMap
// backend. It owns the serialization boundary; callers deal only in domain
// pins.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/carryzone/carrymap/internal/pins"
)

const defaultRequestTimeout = 15 * time.Second

// ErrLoginRejected indicates the backend refused the supplied credentials.
var ErrLoginRejected = errors.New("remote: login rejected")

var (
	errMissingBaseURL = errors.New("base url is required")
	noOpLogger        = zap.NewNop()
)

// Credentials is a backend-issued identity: the account id plus the bearer
// token that authenticates it.
type Credentials struct {
	UserID string
	Token  string
}

// TokenSource supplies the current bearer token, or "" when signed out.
type TokenSource func() string

// ClientConfig describes how to reach the backend.
type ClientConfig struct {
	// BaseURL is the backend root, e.g. "https://api.carryzone.example".
	BaseURL string
	// FeedURL is the websocket change-feed endpoint. Empty means no push
	// transport; SubscribeChanges then yields an inert stream.
	FeedURL    string
	HTTPClient *http.Client
	Token      TokenSource
	Logger     *zap.Logger
}

// Client talks to the backend pin API.
type Client struct {
	baseURL    string
	feedURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *zap.Logger
}

// NewClient constructs a backend client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote: %w", errMissingBaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL:    base,
		feedURL:    strings.TrimSpace(cfg.FeedURL),
		httpClient: httpClient,
		token:      cfg.Token,
		logger:     logger,
	}, nil
}

// Ping reports backend reachability; used as the connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("remote: ping: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("remote: ping: %w", err)
	}
	defer response.Body.Close() //nolint:errcheck
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("remote: ping: status %d", response.StatusCode)
	}
	return nil
}

// GetAll fetches the full remote pin set.
func (c *Client) GetAll(ctx context.Context) ([]pins.Pin, error) {
	return c.fetchPins(ctx, "/pins")
}

// GetInBoundingBox fetches the remote pins inside the given bounds.
func (c *Client) GetInBoundingBox(ctx context.Context, minLat, maxLat, minLng, maxLng float64) ([]pins.Pin, error) {
	query := url.Values{}
	query.Set("min_lat", strconv.FormatFloat(minLat, 'f', -1, 64))
	query.Set("max_lat", strconv.FormatFloat(maxLat, 'f', -1, 64))
	query.Set("min_lng", strconv.FormatFloat(minLng, 'f', -1, 64))
	query.Set("max_lng", strconv.FormatFloat(maxLng, 'f', -1, 64))
	return c.fetchPins(ctx, "/pins/box?"+query.Encode())
}

// GetByID fetches one pin; a 404 reports found=false without error.
func (c *Client) GetByID(ctx context.Context, pinID string) (pins.Pin, bool, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/pins/"+url.PathEscape(pinID), nil)
	if err != nil {
		return pins.Pin{}, false, err
	}
	if status == http.StatusNotFound {
		return pins.Pin{}, false, nil
	}
	if status != http.StatusOK {
		return pins.Pin{}, false, fmt.Errorf("remote: get %s: status %d", pinID, status)
	}
	var payload pinPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return pins.Pin{}, false, fmt.Errorf("remote: get %s: decode: %w", pinID, err)
	}
	pin, err := pinFromPayload(payload)
	if err != nil {
		return pins.Pin{}, false, fmt.Errorf("remote: get %s: %w", pinID, err)
	}
	return pin, true, nil
}

// Insert creates the pin remotely and returns the server's copy.
func (c *Client) Insert(ctx context.Context, pin pins.Pin) (pins.Pin, error) {
	return c.writePin(ctx, http.MethodPost, "/pins", pin)
}

// Update upserts the pin remotely and returns the server's copy. The backend
// creates the pin when the id is unknown, which keeps a CREATE collapsed into
// an UPDATE by the queue's replace-on-enqueue rule from being lost.
func (c *Client) Update(ctx context.Context, pin pins.Pin) (pins.Pin, error) {
	return c.writePin(ctx, http.MethodPut, "/pins/"+url.PathEscape(pin.ID), pin)
}

// Delete removes the pin remotely by id. Deleting an unknown id succeeds.
func (c *Client) Delete(ctx context.Context, pinID string) error {
	body, status, err := c.do(ctx, http.MethodDelete, "/pins/"+url.PathEscape(pinID), nil)
	if err != nil {
		return err
	}
	_ = body
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound {
		return fmt.Errorf("remote: delete %s: status %d", pinID, status)
	}
	return nil
}

// Login exchanges email/password for a bearer token. Wrong credentials
// surface as ErrLoginRejected.
func (c *Client) Login(ctx context.Context, email, password string) (Credentials, error) {
	return c.requestToken(ctx, "/auth/login", http.StatusOK, email, password)
}

// Register creates a backend account and signs it in.
func (c *Client) Register(ctx context.Context, email, password string) (Credentials, error) {
	return c.requestToken(ctx, "/auth/register", http.StatusCreated, email, password)
}

func (c *Client) requestToken(ctx context.Context, path string, wantStatus int, email, password string) (Credentials, error) {
	encoded, err := json.Marshal(credentialsPayload{Email: email, Password: password})
	if err != nil {
		return Credentials{}, fmt.Errorf("remote: %s: encode: %w", path, err)
	}
	body, status, err := c.do(ctx, http.MethodPost, path, encoded)
	if err != nil {
		return Credentials{}, err
	}
	if status == http.StatusUnauthorized {
		return Credentials{}, ErrLoginRejected
	}
	if status != wantStatus {
		return Credentials{}, fmt.Errorf("remote: %s: status %d", path, status)
	}
	var payload tokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Credentials{}, fmt.Errorf("remote: %s: decode: %w", path, err)
	}
	return Credentials{UserID: payload.UserID, Token: payload.AccessToken}, nil
}

func (c *Client) fetchPins(ctx context.Context, path string) ([]pins.Pin, error) {
	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("remote: get %s: status %d", path, status)
	}
	var payloads []pinPayload
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("remote: get %s: decode: %w", path, err)
	}
	result := make([]pins.Pin, 0, len(payloads))
	for _, payload := range payloads {
		pin, err := pinFromPayload(payload)
		if err != nil {
			c.logger.Warn("remote pin payload skipped",
				zap.String("pin_id", payload.ID),
				zap.Error(err))
			continue
		}
		result = append(result, pin)
	}
	return result, nil
}

func (c *Client) writePin(ctx context.Context, method, path string, pin pins.Pin) (pins.Pin, error) {
	encoded, err := json.Marshal(payloadFromPin(pin))
	if err != nil {
		return pins.Pin{}, fmt.Errorf("remote: %s %s: encode: %w", method, path, err)
	}
	body, status, err := c.do(ctx, method, path, encoded)
	if err != nil {
		return pins.Pin{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return pins.Pin{}, fmt.Errorf("remote: %s %s: status %d", method, path, status)
	}
	var payload pinPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return pins.Pin{}, fmt.Errorf("remote: %s %s: decode: %w", method, path, err)
	}
	stored, err := pinFromPayload(payload)
	if err != nil {
		return pins.Pin{}, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	return stored, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, 0, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer response.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, response.StatusCode, fmt.Errorf("remote: %s %s: read: %w", method, path, err)
	}
	return payload, response.StatusCode, nil
}
