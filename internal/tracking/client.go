package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 60 * time.Second

var (
	// ErrUpstreamAuth indicates the tracking service rejected the current
	// credential or session token. Boundaries translate it into an
	// unauthenticated response instead of a generic failure.
	ErrUpstreamAuth = errors.New("tracking: upstream authentication rejected")

	errMissingBaseURL = errors.New("tracking base url is required")
	errMissingSession = errors.New("session token is required")
)

// QueryService is the generic query capability the backend consumes. The
// concrete implementation is a REST adapter; tests substitute fakes.
type QueryService interface {
	Find(ctx context.Context, entityType string, filters []Filter, fields []string) ([]Record, error)
	Summarize(ctx context.Context, entityType string, filters []Filter, groupBy string) ([]SummaryGroup, error)
}

// ClientConfig bundles configuration for the REST adapter.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the tracking service's REST API. It is session-less;
// Session binds it to one user's session token per request context.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates configuration and constructs the adapter.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// Session binds the client to one upstream session token.
func (c *Client) Session(sessionToken string) (QueryService, error) {
	if strings.TrimSpace(sessionToken) == "" {
		return nil, errMissingSession
	}
	return &SessionClient{client: c, sessionToken: sessionToken}, nil
}

// Login exchanges user credentials for an upstream session token.
func (c *Client) Login(ctx context.Context, login, password string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", login)
	form.Set("password", password)
	var payload struct {
		SessionToken string `json:"session_token"`
	}
	if err := c.postForm(ctx, "/api/v1.1/auth/access_token", form, &payload); err != nil {
		return "", err
	}
	if payload.SessionToken == "" {
		return "", ErrUpstreamAuth
	}
	return payload.SessionToken, nil
}

// ValidateSession checks that a session token is still accepted upstream.
func (c *Client) ValidateSession(ctx context.Context, sessionToken string) error {
	form := url.Values{}
	form.Set("grant_type", "session_token")
	form.Set("session_token", sessionToken)
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	return c.postForm(ctx, "/api/v1.1/auth/access_token", form, &payload)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return ErrUpstreamAuth
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("tracking: auth endpoint returned %d", response.StatusCode)
	}
	return json.NewDecoder(response.Body).Decode(out)
}

// SessionClient implements QueryService for one session token.
type SessionClient struct {
	client       *Client
	sessionToken string
}

type findRequest struct {
	Filters []Filter `json:"filters"`
	Fields  []string `json:"fields"`
}

type findResponse struct {
	Records []Record `json:"records"`
}

type summarizeRequest struct {
	Filters []Filter `json:"filters"`
	GroupBy string   `json:"group_by"`
}

type summarizeResponse struct {
	Groups []SummaryGroup `json:"groups"`
}

// Find queries records of one entity type.
func (s *SessionClient) Find(ctx context.Context, entityType string, filters []Filter, fields []string) ([]Record, error) {
	var payload findResponse
	path := fmt.Sprintf("/api/v1/entity/%s/_search", url.PathEscape(entityType))
	if err := s.post(ctx, path, findRequest{Filters: filters, Fields: fields}, &payload); err != nil {
		return nil, err
	}
	return payload.Records, nil
}

// Summarize groups records of one entity type and counts them.
func (s *SessionClient) Summarize(ctx context.Context, entityType string, filters []Filter, groupBy string) ([]SummaryGroup, error) {
	var payload summarizeResponse
	path := fmt.Sprintf("/api/v1/entity/%s/_summarize", url.PathEscape(entityType))
	if err := s.post(ctx, path, summarizeRequest{Filters: filters, GroupBy: groupBy}, &payload); err != nil {
		return nil, err
	}
	return payload.Groups, nil
}

func (s *SessionClient) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+s.sessionToken)

	response, err := s.client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return ErrUpstreamAuth
	}
	if response.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		s.client.logger.Warn("tracking query failed",
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.ByteString("body", snippet))
		return fmt.Errorf("tracking: query endpoint returned %d", response.StatusCode)
	}
	return json.NewDecoder(response.Body).Decode(out)
}
