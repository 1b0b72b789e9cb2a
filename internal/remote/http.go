package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
)

const maxResponseBytes = 8 << 20

// HTTPOptions configures an HTTPClient
type HTTPOptions struct {
	BaseURL string
	// JWTSecret signs bearer tokens; empty sends no Authorization header
	JWTSecret string
	Subject   string
	Sealer    *Sealer
	Timeout   time.Duration
	// HTTPClient overrides the default transport, mainly for tests
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// HTTPClient talks to the remote health service over JSON/HTTP
type HTTPClient struct {
	baseURL string
	http    *http.Client
	secret  []byte
	subject string
	sealer  *Sealer

	mu       sync.Mutex
	token    string
	tokenExp time.Time

	now func() time.Time
	log *slog.Logger
}

// NewHTTPClient creates a client for the service at opts.BaseURL
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("remote base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	subject := opts.Subject
	if subject == "" {
		subject = "healthsync-device"
	}

	return &HTTPClient{
		baseURL: opts.BaseURL,
		http:    hc,
		secret:  []byte(opts.JWTSecret),
		subject: subject,
		sealer:  opts.Sealer,
		now:     time.Now,
		log:     log.With("component", "remote"),
	}, nil
}

type batchRequest struct {
	Items []UploadItem `json:"items"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type changesResponse struct {
	Changes []RemoteRecord `json:"changes"`
}

// UploadBatch sends items in one request. Payloads are sealed when a key is configured.
func (c *HTTPClient) UploadBatch(ctx context.Context, items []UploadItem) (*BatchResult, error) {
	body := batchRequest{Items: make([]UploadItem, len(items))}
	for i, it := range items {
		sealed, err := c.sealer.Seal(it.Payload)
		if err != nil {
			return nil, apperrors.NewInternalError(err)
		}
		it.Payload = sealed
		body.Items[i] = it
	}

	var res BatchResult
	if err := c.do(ctx, http.MethodPost, "/v1/batches", body, &res); err != nil {
		return nil, err
	}
	for i := range res.Results {
		if rr := res.Results[i].Remote; rr != nil {
			if err := c.open(rr); err != nil {
				return nil, err
			}
		}
	}
	return &res, nil
}

// SubmitAnalysis starts a remote job and returns its id
func (c *HTTPClient) SubmitAnalysis(ctx context.Context, req AnalysisRequest) (string, error) {
	var res submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/analyses", req, &res); err != nil {
		return "", err
	}
	return res.JobID, nil
}

// GetAnalysisStatus reads the service's view of a job
func (c *HTTPClient) GetAnalysisStatus(ctx context.Context, jobID string) (*AnalysisStatus, error) {
	var res AnalysisStatus
	if err := c.do(ctx, http.MethodGet, "/v1/analyses/"+url.PathEscape(jobID), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FetchChanges lists records of entityType changed after revision since
func (c *HTTPClient) FetchChanges(ctx context.Context, entityType string, since int64) ([]RemoteRecord, error) {
	q := url.Values{}
	q.Set("entityType", entityType)
	q.Set("since", strconv.FormatInt(since, 10))

	var res changesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/changes?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	for i := range res.Changes {
		if err := c.open(&res.Changes[i]); err != nil {
			return nil, err
		}
	}
	return res.Changes, nil
}

// Health checks that the service answers
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) open(rr *RemoteRecord) error {
	plain, err := c.sealer.Open(rr.Payload)
	if err != nil {
		return apperrors.NewRejectedError("unreadable payload for " + rr.RemoteID + ": " + err.Error())
	}
	rr.Payload = plain
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return apperrors.NewInternalError(err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.bearer()
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewTransientError(err, method+" "+path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.NewTransientError(err, "read response")
	}
	c.log.Debug("Remote call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return apperrors.NewTransientError(fmt.Errorf("decode response: %w", err), method+" "+path)
		}
		return nil
	}
	return c.statusError(resp.StatusCode, data, method+" "+path)
}

// statusError classifies a non-2xx answer
func (c *HTTPClient) statusError(code int, body []byte, op string) error {
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(code)
	}
	cause := fmt.Errorf("%s: %d %s", op, code, msg)

	switch {
	case code == http.StatusUnauthorized:
		// the cached token may have been revoked or the clocks drifted
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return apperrors.NewTransientError(cause, op)
	case code == http.StatusNotFound:
		return apperrors.Wrap(cause, apperrors.ErrorTypeNotFound, "REMOTE_NOT_FOUND", msg)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return apperrors.NewTransientError(cause, op)
	default:
		return apperrors.Wrap(cause, apperrors.ErrorTypeRejected, "REMOTE_REJECTED", msg)
	}
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		return e.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(bytes.TrimSpace(body))
}

// bearer returns a cached token, minting a new one shortly before expiry
func (c *HTTPClient) bearer() (string, error) {
	if len(c.secret) == 0 {
		return "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token != "" && now.Before(c.tokenExp.Add(-time.Minute)) {
		return c.token, nil
	}

	exp := now.Add(time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   c.subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	c.token, c.tokenExp = signed, exp
	return signed, nil
}

var (
	_ Client     = (*HTTPClient)(nil)
	_ ChangeFeed = (*HTTPClient)(nil)
)
