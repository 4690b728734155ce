package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CalcRequest is what the external computation receives.
type CalcRequest struct {
	SubjectID     string          `json:"subjectId"`
	ComputationID string          `json:"computationId"`
	Inputs        json.RawMessage `json:"inputs"`
}

// Calculator is the opaque computation callback.
type Calculator interface {
	Compute(ctx context.Context, req CalcRequest) (json.RawMessage, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(ctx context.Context, req CalcRequest) (json.RawMessage, error)

func (f CalculatorFunc) Compute(ctx context.Context, req CalcRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// CalcError is a failure reported by the calculation service itself.
type CalcError struct {
	Status  int
	Message string
}

func (e *CalcError) Error() string {
	return fmt.Sprintf("calculation failed (%d): %s", e.Status, e.Message)
}

// HTTPCalculator posts to {base}/v1/calculations/{computationId}.
type HTTPCalculator struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
}

// baseURL 不要带路径，例如 http://localhost:3005
func NewHTTPCalculator(baseURL string, timeout time.Duration) *HTTPCalculator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPCalculator{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

func (h *HTTPCalculator) Compute(ctx context.Context, req CalcRequest) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	endpoint := h.baseURL + "/v1/calculations/" + url.PathEscape(req.ComputationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calculation service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e) // 尽力解析错误信息
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &CalcError{Status: resp.StatusCode, Message: e.Error}
	}
	if !json.Valid(raw) {
		return nil, &CalcError{Status: resp.StatusCode, Message: "invalid result body"}
	}
	return json.RawMessage(raw), nil
}
