package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/internal/resilience"
)

const maxResponseBytes = 1 << 20

// HTTPClassifier posts the request JSON to a self-hosted scoring endpoint
// and expects the classifier JSON object back.
type HTTPClassifier struct {
	endpoint string
	token    string
	client   *http.Client
	retry    resilience.RetryConfig
}

// HTTPOption configures an HTTPClassifier.
type HTTPOption func(*HTTPClassifier)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClassifier) { h.client = c }
}

// WithBearerToken sets an Authorization header on every call.
func WithBearerToken(token string) HTTPOption {
	return func(h *HTTPClassifier) { h.token = token }
}

// WithRetry overrides the in-call retry policy.
func WithRetry(cfg resilience.RetryConfig) HTTPOption {
	return func(h *HTTPClassifier) { h.retry = cfg }
}

// NewHTTP returns a classifier for endpoint.
func NewHTTP(endpoint string, opts ...HTTPOption) (*HTTPClassifier, error) {
	if endpoint == "" {
		return nil, eris.New("oracle: http endpoint is required")
	}
	h := &HTTPClassifier{
		endpoint: endpoint,
		client:   http.DefaultClient,
		retry:    resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.retry.OnRetry == nil {
		h.retry.OnRetry = resilience.RetryLogger("oracle", "http_classify")
	}
	return h, nil
}

// Classify implements Classifier.
func (h *HTTPClassifier) Classify(ctx context.Context, req Request) Result {
	body, err := json.Marshal(req)
	if err != nil {
		return Failed(eris.Wrap(err, "oracle: marshal request"))
	}

	raw, err := resilience.DoVal(ctx, h.retry, func(ctx context.Context) (string, error) {
		return h.post(ctx, body)
	})
	if err != nil {
		return fromError(ctx, err)
	}
	return ParseResponse(raw)
}

func (h *HTTPClassifier) post(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "oracle: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if h.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", eris.Wrap(err, "oracle: http request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", eris.Wrap(err, "oracle: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("oracle: endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return "", err
	}
	return string(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
