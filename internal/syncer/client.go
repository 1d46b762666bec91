package syncer

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

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	opClient = "syncer.client"

	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 4 << 10
)

var errUnexpectedStatus = errors.New("unexpected response status")

// RemoteClient talks to the sync server.
type RemoteClient interface {
	CreateAccount(ctx context.Context, serverURL, username, password string, envelope remote.KeyEnvelope) error
	Login(ctx context.Context, serverURL, username, password string) (remote.TokenPayload, error)
	Push(ctx context.Context, serverURL, token string, request remote.PushRequest) (remote.PushResponse, error)
	Changes(ctx context.Context, serverURL, token string, since int64, limit int) (remote.ChangesResponse, error)
	Health(ctx context.Context, serverURL string) error
	Watch(ctx context.Context, serverURL, token string, handle func(remote.EventPayload)) error
}

// HTTPClient is the JSON over HTTP implementation of RemoteClient.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient constructs a client; a nil httpClient gets a default with a request timeout.
func NewHTTPClient(httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPClient{httpClient: httpClient}
}

// CreateAccount registers username on the server with its sealed account key.
func (c *HTTPClient) CreateAccount(ctx context.Context, serverURL, username, password string, envelope remote.KeyEnvelope) error {
	payload := remote.CredentialsPayload{
		Username:   username,
		Password:   password,
		KeySalt:    envelope.KeySalt,
		WrappedKey: envelope.WrappedKey,
	}
	return c.doJSON(ctx, http.MethodPost, serverURL, "/accounts", "", payload, nil)
}

// Login exchanges credentials for a sync bearer token.
func (c *HTTPClient) Login(ctx context.Context, serverURL, username, password string) (remote.TokenPayload, error) {
	var token remote.TokenPayload
	payload := remote.CredentialsPayload{Username: username, Password: password}
	if err := c.doJSON(ctx, http.MethodPost, serverURL, "/auth/login", "", payload, &token); err != nil {
		return remote.TokenPayload{}, err
	}
	if token.AccessToken == "" {
		return remote.TokenPayload{}, apperr.Internal(opClient, "malformed_token", errors.New("empty access token"))
	}
	return token, nil
}

// Push uploads a batch of local changes.
func (c *HTTPClient) Push(ctx context.Context, serverURL, token string, request remote.PushRequest) (remote.PushResponse, error) {
	var response remote.PushResponse
	if err := c.doJSON(ctx, http.MethodPost, serverURL, "/notes/push", token, request, &response); err != nil {
		return remote.PushResponse{}, err
	}
	if len(response.Results) != len(request.Changes) {
		return remote.PushResponse{}, apperr.Internal(opClient, "malformed_push_response",
			fmt.Errorf("expected %d results, got %d", len(request.Changes), len(response.Results)))
	}
	return response, nil
}

// Changes fetches one page of the change feed after since.
func (c *HTTPClient) Changes(ctx context.Context, serverURL, token string, since int64, limit int) (remote.ChangesResponse, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var response remote.ChangesResponse
	if err := c.doJSON(ctx, http.MethodGet, serverURL, "/notes/changes?"+query.Encode(), token, nil, &response); err != nil {
		return remote.ChangesResponse{}, err
	}
	if response.NextSince < since {
		return remote.ChangesResponse{}, apperr.Internal(opClient, "malformed_changes_response",
			fmt.Errorf("cursor moved backwards from %d to %d", since, response.NextSince))
	}
	return response, nil
}

// Health checks that the server answers.
func (c *HTTPClient) Health(ctx context.Context, serverURL string) error {
	return c.doJSON(ctx, http.MethodGet, serverURL, "/healthz", "", nil, nil)
}

// Watch streams change events until ctx ends or the connection drops.
func (c *HTTPClient) Watch(ctx context.Context, serverURL, token string, handle func(remote.EventPayload)) error {
	endpoint, err := joinURL(serverURL, "/notes/events")
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, response, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return apperr.Unauthenticated(opClient, "watch_rejected", err)
		}
		return apperr.Unavailable(opClient, "watch_unreachable", err)
	}
	defer conn.CloseNow()

	for {
		var event remote.EventPayload
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return ctx.Err()
			}
			return apperr.Unavailable(opClient, "watch_closed", err)
		}
		handle(event)
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, serverURL, path, token string, body any, out any) error {
	endpoint, err := joinURL(serverURL, path)
	if err != nil {
		return err
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apperr.Internal(opClient, "encode_failed", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return apperr.InvalidInput(opClient, "invalid_request", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return apperr.Unavailable(opClient, "unreachable", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return statusError(response)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return apperr.Internal(opClient, "malformed_response", err)
	}
	return nil
}

func statusError(response *http.Response) error {
	var payload remote.ErrorPayload
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	_ = json.Unmarshal(raw, &payload)
	cause := fmt.Errorf("%w: %s (%s)", errUnexpectedStatus, response.Status, payload.Error)

	switch {
	case response.StatusCode == http.StatusBadRequest:
		return apperr.InvalidInput(opClient, "rejected", cause)
	case response.StatusCode == http.StatusUnauthorized:
		return apperr.Unauthenticated(opClient, "unauthorized", cause)
	case response.StatusCode == http.StatusNotFound:
		return apperr.NotFound(opClient, "not_found", cause)
	case response.StatusCode == http.StatusConflict:
		return apperr.Conflict(opClient, "conflict", cause)
	case response.StatusCode >= 500:
		return apperr.Unavailable(opClient, "server_error", cause)
	default:
		return apperr.Internal(opClient, "unexpected_status", cause)
	}
}

// NormalizeServerURL validates an http(s) base URL and strips trailing slashes.
func NormalizeServerURL(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", apperr.InvalidInput(opClient, "invalid_server_url", fmt.Errorf("invalid server url %q", raw))
	}
	return trimmed, nil
}

func joinURL(serverURL, path string) (string, error) {
	base, err := NormalizeServerURL(serverURL)
	if err != nil {
		return "", err
	}
	return base + path, nil
}
