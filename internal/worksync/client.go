package worksync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/worksync/internal/localstore"
)

type RemoteClient interface {
	List(ctx context.Context, kind *EntityKind, query ListQuery) (ListResult, error)
	Get(ctx context.Context, kind *EntityKind, id string) (localstore.Record, error)
	Create(ctx context.Context, kind *EntityKind, clientID string, data map[string]any) (localstore.Record, error)
	Update(ctx context.Context, kind *EntityKind, id string, data map[string]any) (localstore.Record, error)
	Transition(ctx context.Context, kind *EntityKind, id, transition string, body map[string]any) (localstore.Record, error)
	Delete(ctx context.Context, kind *EntityKind, id string) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

type singleEnvelope struct {
	Data localstore.Record `json:"data"`
}

type listEnvelope struct {
	Data       []localstore.Record `json:"data"`
	Pagination *Pagination         `json:"pagination"`
}

func (c *HTTPClient) List(ctx context.Context, kind *EntityKind, query ListQuery) (ListResult, error) {
	q := url.Values{}
	keys := make([]string, 0, len(query.Filters))
	for key := range query.Filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value := strings.TrimSpace(query.Filters[key]); value != "" {
			q.Set(key, value)
		}
	}
	if query.Page > 0 {
		q.Set("page", strconv.Itoa(query.Page))
	}
	if query.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(query.PageSize))
	}
	requestPath := kind.Path
	if encoded := q.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var out listEnvelope
	if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Pagination != nil {
		return Paginated{Data: nonNilRecords(out.Data), Pagination: *out.Pagination}, nil
	}
	return Plain{Data: nonNilRecords(out.Data)}, nil
}

func (c *HTTPClient) Get(ctx context.Context, kind *EntityKind, id string) (localstore.Record, error) {
	var out singleEnvelope
	err := c.doJSON(ctx, http.MethodGet, entityPath(kind, id), nil, nil, &out)
	return out.Data, err
}

func (c *HTTPClient) Create(ctx context.Context, kind *EntityKind, clientID string, data map[string]any) (localstore.Record, error) {
	headers := map[string]string{}
	if clientID != "" {
		headers["Idempotency-Key"] = clientID
	}
	var out singleEnvelope
	err := c.doJSON(ctx, http.MethodPost, kind.Path, headers, createPayload{ClientID: clientID, Data: data}, &out)
	return out.Data, err
}

func (c *HTTPClient) Update(ctx context.Context, kind *EntityKind, id string, data map[string]any) (localstore.Record, error) {
	var out singleEnvelope
	err := c.doJSON(ctx, http.MethodPut, entityPath(kind, id), nil, data, &out)
	return out.Data, err
}

func (c *HTTPClient) Transition(ctx context.Context, kind *EntityKind, id, transition string, body map[string]any) (localstore.Record, error) {
	t, ok := kind.Transitions[transition]
	if !ok {
		return localstore.Record{}, fmt.Errorf("%w: %s has no %q transition", ErrInvalidInput, kind.Name, transition)
	}
	if body == nil {
		body = map[string]any{}
	}
	var out singleEnvelope
	err := c.doJSON(ctx, http.MethodPost, entityPath(kind, id)+"/"+t.Path, nil, body, &out)
	return out.Data, err
}

func (c *HTTPClient) Delete(ctx context.Context, kind *EntityKind, id string) error {
	return c.doJSON(ctx, http.MethodDelete, entityPath(kind, id), nil, nil, nil)
}

// Ping reports whether the authority is reachable. Transport failures and
// 5xx answers count as down.
func (c *HTTPClient) Ping(ctx context.Context, path string) error {
	if path == "" {
		path = "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientNetworkError{Op: "GET " + path, Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &ServerRejection{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	op := method + " " + requestPath
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &TransientNetworkError{Op: op, Err: waitErr}
				}
				continue
			}
			return &TransientNetworkError{Op: op, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &TransientNetworkError{Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("decode %s response: %w", op, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &TransientNetworkError{Op: op, Err: waitErr}
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Error
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &ServerRejection{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func entityPath(kind *EntityKind, id string) string {
	return strings.TrimRight(kind.Path, "/") + "/" + url.PathEscape(id)
}

func correlationID() string {
	return "worksync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
