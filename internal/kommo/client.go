package kommo

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
	"time"

	"github.com/rs/zerolog/log"
)

// APIError is a non-2xx response from the Kommo API
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kommo: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsAuthError reports whether err is a 401/403 from the provider
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// IsNotFound reports whether err is a 404 from the provider
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsValidationError reports whether err is a 4xx other than auth/not-found,
// i.e. the provider rejected the payload
func IsValidationError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// Client is a typed view over the Kommo v4 REST API for a single tenant
type Client struct {
	subdomain  string
	token      string
	baseURL    string
	httpClient *http.Client
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// sleepCtx waits d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the API base URL (tests point this at a fake server)
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithTimeout sets the per-call timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxRateLimitRetries bounds how many 429s a call waits out
func WithMaxRateLimitRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient creates a client for one tenant, authenticating every request
// with the account's bearer token.
func NewClient(subdomain, token string, opts ...ClientOption) *Client {
	c := &Client{
		subdomain:  subdomain,
		token:      token,
		baseURL:    fmt.Sprintf("https://%s.kommo.com/api/v4", subdomain),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subdomain returns the tenant this client talks to
func (c *Client) Subdomain() string {
	return c.subdomain
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kommo: marshal %s %s: %w", method, path, err)
		}
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("kommo: %s %s: %w", method, path, err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("kommo: read %s %s: %w", method, path, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if attempt >= c.maxRetries {
				return &APIError{StatusCode: resp.StatusCode, Method: method, Path: path, Body: string(respBody)}
			}
			retryAfter := 60 * time.Second
			if v := resp.Header.Get("Retry-After"); v != "" {
				if secs, err := strconv.Atoi(v); err == nil {
					retryAfter = time.Duration(secs) * time.Second
				}
			}
			log.Warn().
				Str("subdomain", c.subdomain).
				Str("path", path).
				Dur("retry_after", retryAfter).
				Msg("Rate limit hit, waiting before retry")
			if err := c.sleep(ctx, retryAfter); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			log.Debug().
				Str("subdomain", c.subdomain).
				Str("method", method).
				Str("path", path).
				Int("status", resp.StatusCode).
				Msg("Kommo API error")
			return &APIError{StatusCode: resp.StatusCode, Method: method, Path: path, Body: string(respBody)}
		}

		// DELETEs answer 204 or an empty body; both are success.
		if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
			return nil
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("kommo: decode %s %s: %w", method, path, err)
		}
		return nil
	}
}

// ListPipelines returns all pipelines with their embedded stages
func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var env pipelinesEnvelope
	if err := c.do(ctx, http.MethodGet, "/leads/pipelines", nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Embedded.Pipelines, nil
}

// CreatePipeline creates a pipeline with its embedded stages. The provider
// auto-adds the reserved incoming/won/lost stages; they must not be sent.
func (c *Client) CreatePipeline(ctx context.Context, p Pipeline) (*Pipeline, error) {
	var env pipelinesEnvelope
	if err := c.do(ctx, http.MethodPost, "/leads/pipelines", nil, []Pipeline{p}, &env); err != nil {
		return nil, err
	}
	if len(env.Embedded.Pipelines) == 0 {
		return nil, fmt.Errorf("kommo: create pipeline %q: empty response", p.Name)
	}
	return &env.Embedded.Pipelines[0], nil
}

// UpdatePipeline patches a pipeline
func (c *Client) UpdatePipeline(ctx context.Context, pipelineID int64, patch Pipeline) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/leads/pipelines/%d", pipelineID), nil, patch, nil)
}

// DeletePipeline removes a pipeline
func (c *Client) DeletePipeline(ctx context.Context, pipelineID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/leads/pipelines/%d", pipelineID), nil, nil, nil)
}

// CreateStage adds a stage to an existing pipeline
func (c *Client) CreateStage(ctx context.Context, pipelineID int64, s Stage) (*Stage, error) {
	var env stagesEnvelope
	path := fmt.Sprintf("/leads/pipelines/%d/statuses", pipelineID)
	if err := c.do(ctx, http.MethodPost, path, nil, []Stage{s}, &env); err != nil {
		return nil, err
	}
	if len(env.Embedded.Statuses) == 0 {
		return nil, fmt.Errorf("kommo: create stage %q: empty response", s.Name)
	}
	return &env.Embedded.Statuses[0], nil
}

// UpdateStage patches a stage
func (c *Client) UpdateStage(ctx context.Context, pipelineID, stageID int64, patch Stage) error {
	path := fmt.Sprintf("/leads/pipelines/%d/statuses/%d", pipelineID, stageID)
	return c.do(ctx, http.MethodPatch, path, nil, patch, nil)
}

// DeleteStage removes a stage. The route must carry the pipeline id, the
// provider 404s on the bare statuses path.
func (c *Client) DeleteStage(ctx context.Context, pipelineID, stageID int64) error {
	path := fmt.Sprintf("/leads/pipelines/%d/statuses/%d", pipelineID, stageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// ListCustomFields returns the custom fields of an entity type, asking the
// provider to include required_statuses and enums.
func (c *Client) ListCustomFields(ctx context.Context, entity EntityType) ([]CustomField, error) {
	params := url.Values{"with": {"required_statuses,enums"}}
	var env customFieldsEnvelope
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/custom_fields", entity), params, nil, &env); err != nil {
		return nil, err
	}
	return env.Embedded.CustomFields, nil
}

// CreateCustomField creates a custom field
func (c *Client) CreateCustomField(ctx context.Context, entity EntityType, f CustomField) (*CustomField, error) {
	var env customFieldsEnvelope
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/%s/custom_fields", entity), nil, []CustomField{f}, &env); err != nil {
		return nil, err
	}
	if len(env.Embedded.CustomFields) == 0 {
		return nil, fmt.Errorf("kommo: create custom field %q: empty response", f.Name)
	}
	return &env.Embedded.CustomFields[0], nil
}

// UpdateCustomField patches a custom field
func (c *Client) UpdateCustomField(ctx context.Context, entity EntityType, fieldID int64, patch CustomField) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/%s/custom_fields/%d", entity, fieldID), nil, patch, nil)
}

// DeleteCustomField removes a custom field
func (c *Client) DeleteCustomField(ctx context.Context, entity EntityType, fieldID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/%s/custom_fields/%d", entity, fieldID), nil, nil, nil)
}

// ListFieldGroups returns the custom field groups of an entity type
func (c *Client) ListFieldGroups(ctx context.Context, entity EntityType) ([]FieldGroup, error) {
	var env fieldGroupsEnvelope
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/custom_fields/groups", entity), nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Embedded.CustomFieldGroups, nil
}

// CreateFieldGroup creates a custom field group
func (c *Client) CreateFieldGroup(ctx context.Context, entity EntityType, g FieldGroup) (*FieldGroup, error) {
	var env fieldGroupsEnvelope
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/%s/custom_fields/groups", entity), nil, []FieldGroup{g}, &env); err != nil {
		return nil, err
	}
	if len(env.Embedded.CustomFieldGroups) == 0 {
		return nil, fmt.Errorf("kommo: create field group %q: empty response", g.Name)
	}
	return &env.Embedded.CustomFieldGroups[0], nil
}

// UpdateFieldGroup patches a custom field group
func (c *Client) UpdateFieldGroup(ctx context.Context, entity EntityType, groupID int64, patch FieldGroup) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/%s/custom_fields/groups/%d", entity, groupID), nil, patch, nil)
}

// DeleteFieldGroup removes a custom field group
func (c *Client) DeleteFieldGroup(ctx context.Context, entity EntityType, groupID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/%s/custom_fields/groups/%d", entity, groupID), nil, nil, nil)
}

// ListRoles returns all roles
func (c *Client) ListRoles(ctx context.Context) ([]Role, error) {
	var env rolesEnvelope
	if err := c.do(ctx, http.MethodGet, "/roles", nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Embedded.Roles, nil
}

// CreateRole creates a role
func (c *Client) CreateRole(ctx context.Context, r Role) (*Role, error) {
	var env rolesEnvelope
	if err := c.do(ctx, http.MethodPost, "/roles", nil, []Role{r}, &env); err != nil {
		return nil, err
	}
	if len(env.Embedded.Roles) == 0 {
		return nil, fmt.Errorf("kommo: create role %q: empty response", r.Name)
	}
	return &env.Embedded.Roles[0], nil
}

// UpdateRole patches a role
func (c *Client) UpdateRole(ctx context.Context, roleID int64, patch Role) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/roles/%d", roleID), nil, patch, nil)
}

// Account fetches the tenant's account info; used as a connectivity check
func (c *Client) Account(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.do(ctx, http.MethodGet, "/account", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
