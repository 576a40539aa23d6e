package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Wire types of the remote engine protocol served by the api package.
type (
	// InferRequest carries either a quantized Input or a floating-point
	// Image that the server scales with the input contract.
	InferRequest struct {
		Input []int8    `json:"input,omitempty"`
		Image []float32 `json:"image,omitempty"`
	}

	InferResponse struct {
		ID     string  `json:"id"`
		Class  uint32  `json:"class"`
		Scores []int32 `json:"scores,omitempty"`
		Engine string  `json:"engine"`
	}

	ErrorResponse struct {
		Error ErrorDetail `json:"error"`
	}

	ErrorDetail struct {
		Message string `json:"message,omitempty"`
		Type    string `json:"type,omitempty"`
		Param   string `json:"param,omitempty"`
		Code    string `json:"code,omitempty"`
	}
)

const (
	InferPath  = "/v1/infer"
	HealthPath = "/healthz"
	ModelPath  = "/v1/model"
)

// HTTPEngine calls a remote engine over JSON.
type HTTPEngine struct {
	base   string
	client *http.Client
}

// NewHTTP creates a client for the engine served at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) (*HTTPEngine, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: no engine url", ErrUnavailable)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEngine{base: base, client: &http.Client{Timeout: timeout}}, nil
}

func (e *HTTPEngine) Name() string { return HTTP }

// Check calls the health endpoint.
func (e *HTTPEngine) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrUnavailable, HealthPath, resp.Status)
	}
	return nil
}

func (e *HTTPEngine) Infer(ctx context.Context, x []int8) (uint32, error) {
	body, err := json.Marshal(InferRequest{Input: x})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+InferPath, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		var er ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
			return 0, fmt.Errorf("engine: remote %s: %s", resp.Status, er.Error.Message)
		}
		return 0, fmt.Errorf("engine: remote %s", resp.Status)
	}
	var out InferResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("engine: decode reply: %w", err)
	}
	return out.Class, nil
}

func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
