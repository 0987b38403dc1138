package proofservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	xerrors "OpenProver/internal/errors"
	"OpenProver/pkg/logger"
)

// DefaultHTTPTimeout bounds a single HTTP exchange with the proving service.
const DefaultHTTPTimeout = 30 * time.Second

// Client talks to the remote proving service over its REST contract.
//
// Every call sends exactly one HTTP request; the prover's poll loop is the
// only retry mechanism for status queries. A Client is safe for concurrent
// use.
type Client struct {
	baseURL *url.URL
	http    *retryablehttp.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// APIError represents a non-2xx answer from the proving service.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("proof service error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("proof service error (%d): %s", e.StatusCode, e.Message)
}

// Transient reports whether retrying the same query may succeed.
func (e *APIError) Transient() bool {
	if e == nil {
		return false
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit caps the request rate shared by all calls on the client.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		if limit <= 0 {
			limit = rate.Inf
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient builds a client for the service rooted at rawURL. httpClient
// normally comes from resolver.Endpoint.HTTPClient; nil falls back to a
// default client.
func NewClient(rawURL string, httpClient *http.Client, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "invalid proof service url")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	c := &Client{
		baseURL: parsed,
		http:    newRetryableClient(httpClient),
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  logger.Named("proofservice"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.http.Logger = c.logger
	return c, nil
}

// newRetryableClient wraps httpClient with RetryMax 0 so each call maps to one
// request on the wire.
func newRetryableClient(httpClient *http.Client) *retryablehttp.Client {
	return &retryablehttp.Client{
		HTTPClient:   httpClient,
		RetryMax:     0,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
}

// Submit hands a single proof request to the service.
func (c *Client) Submit(ctx context.Context, req ProofRequest) (ProofID, error) {
	var out submitResponse
	if err := c.post(ctx, "/proof/new", req, &out); err != nil {
		return "", submissionError(ctx, err, xerrors.WithMetadata("circuit_id", req.CircuitID))
	}
	if out.ProofID == "" {
		return "", xerrors.New(xerrors.CodeSubmission, "service returned an empty proof id",
			xerrors.WithMetadata("circuit_id", req.CircuitID))
	}
	return out.ProofID, nil
}

// Get fetches the current record of a proof request.
func (c *Client) Get(ctx context.Context, id ProofID) (*ProofRecord, error) {
	var record ProofRecord
	endpoint := "/proof/" + string(id)
	if err := c.get(ctx, endpoint, &record); err != nil {
		return nil, queryError(ctx, err, xerrors.WithMetadata("proof_id", string(id)))
	}
	if record.Status == "" {
		return nil, xerrors.New(xerrors.CodeQuery, "service returned a record without status",
			xerrors.WithRetryable(false), xerrors.WithMetadata("proof_id", string(id)))
	}
	if record.ID == "" {
		record.ID = id
	}
	return &record, nil
}

// SubmitBatch hands all requests to the service in one call. The returned ids
// are position-correlated with reqs.
func (c *Client) SubmitBatch(ctx context.Context, reqs []ProofRequest) (BatchID, []ProofID, error) {
	var out submitBatchResponse
	if err := c.post(ctx, "/proof/batch/new", submitBatchRequest{Requests: reqs}, &out); err != nil {
		return "", nil, submissionError(ctx, err, xerrors.WithMetadata("batch_size", strconv.Itoa(len(reqs))))
	}
	if out.BatchID == "" {
		return "", nil, xerrors.New(xerrors.CodeSubmission, "service returned an empty batch id")
	}
	if len(out.ProofIDs) != len(reqs) {
		return "", nil, xerrors.New(xerrors.CodeSubmission, "service returned a proof id count different from the batch size",
			xerrors.WithMetadata("batch_id", string(out.BatchID)),
			xerrors.WithMetadata("batch_size", strconv.Itoa(len(reqs))),
			xerrors.WithMetadata("proof_ids", strconv.Itoa(len(out.ProofIDs))),
		)
	}
	return out.BatchID, out.ProofIDs, nil
}

// GetBatch fetches the per-status counts of a batch.
func (c *Client) GetBatch(ctx context.Context, id BatchID) (BatchStatusSummary, error) {
	var out batchStatusResponse
	endpoint := "/proof/batch/" + string(id)
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, queryError(ctx, err, xerrors.WithMetadata("batch_id", string(id)))
	}
	if out.Statuses == nil {
		out.Statuses = BatchStatusSummary{}
	}
	return out.Statuses, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body []byte) (*retryablehttp.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	var rawBody any
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), rawBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) do(req *retryablehttp.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr}); err != nil || apiErr.Message == "" {
				// flat payload
				_ = json.Unmarshal(data, apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func submissionError(ctx context.Context, err error, opts ...xerrors.Option) error {
	if ctxErr := contextError(ctx, err); ctxErr != nil {
		return ctxErr
	}
	return xerrors.Wrap(xerrors.CodeSubmission, err, "", opts...)
}

// queryError classifies a failed status query. Transport failures and
// transient HTTP statuses are retryable; everything else is not.
func queryError(ctx context.Context, err error, opts ...xerrors.Option) error {
	if ctxErr := contextError(ctx, err); ctxErr != nil {
		return ctxErr
	}
	retryable := true
	var apiErr *APIError
	var decErr *decodeError
	switch {
	case errors.As(err, &apiErr):
		retryable = apiErr.Transient()
	case errors.As(err, &decErr):
		retryable = false
	}
	opts = append(opts, xerrors.WithRetryable(retryable))
	return xerrors.Wrap(xerrors.CodeQuery, err, "", opts...)
}

// contextError reports cancellation of the caller's context. HTTP client
// timeouts are not cancellation and stay in their own category.
func contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return xerrors.Wrap(xerrors.CodeCanceled, err, "")
	}
	return nil
}
