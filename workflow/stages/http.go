// Package stages provides concrete stage executors for the workflow runner.
package stages

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/researchflow/internal/tlsutil"
	"github.com/BaSui01/researchflow/workflow"
)

const maxResponseBytes = 8 << 20

// EndpointConfig configures one HTTP stage endpoint.
type EndpointConfig struct {
	Endpoint string            `yaml:"endpoint" json:"endpoint"`
	Timeout  time.Duration     `yaml:"timeout" json:"timeout"`
	Headers  map[string]string `yaml:"headers" json:"headers"`
	// RatePerSecond limits outgoing calls; 0 disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" json:"burst"`
}

// HTTPExecutor delegates a stage to a remote service. The request body is
// the JSON StageRequest; a 2xx response body becomes the step output.
type HTTPExecutor struct {
	cfg     EndpointConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ workflow.StageExecutor = (*HTTPExecutor)(nil)

// NewHTTPExecutor validates cfg and builds the executor.
func NewHTTPExecutor(cfg EndpointConfig, logger *zap.Logger) (*HTTPExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid stage endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	e := &HTTPExecutor{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "http_stage"), zap.String("endpoint_host", u.Host)),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return e, nil
}

// Execute posts the request and classifies the response: 2xx succeeds,
// 408, 429 and 5xx are transient, any other status is terminal.
func (e *HTTPExecutor) Execute(ctx context.Context, req workflow.StageRequest) (json.RawMessage, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, workflow.Terminal("encode_request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, workflow.Terminal("build_request", err)
	}
	e.setHeaders(ctx, httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.RunID+"/"+req.NodeID+"/"+strconv.Itoa(req.Attempt))

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, workflow.Transient("network", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, workflow.Transient("read_response", err)
	}

	e.logger.Debug("stage call finished",
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.Int("attempt", req.Attempt),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.RawMessage(data), nil
	}

	code := remoteCode(data)
	if code == "" {
		code = "http." + strconv.Itoa(resp.StatusCode)
	}
	statusErr := fmt.Errorf("stage endpoint returned status %d", resp.StatusCode)
	if retryableStatus(resp.StatusCode) {
		return nil, workflow.Transient(code, statusErr)
	}
	return nil, workflow.Terminal(code, statusErr)
}

// Cancel asks the endpoint to abandon the in-flight step. It is best
// effort: 404 and 405 mean the service has nothing to cancel.
func (e *HTTPExecutor) Cancel(ctx context.Context, runID, nodeID string) error {
	u, err := url.Parse(e.cfg.Endpoint)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("run_id", runID)
	q.Set("node_id", nodeID)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return err
	}
	e.setHeaders(ctx, httpReq)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel stage: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	default:
		return fmt.Errorf("cancel stage: status %d", resp.StatusCode)
	}
}

func (e *HTTPExecutor) setHeaders(ctx context.Context, req *http.Request) {
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// remoteCode extracts {"code": "..."} from an error body. The runner
// discards codes that are not short lowercase identifiers.
func remoteCode(body []byte) string {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Code
}

// Register binds an HTTPExecutor for every configured stage type.
func Register(reg *workflow.StageRegistry, endpoints map[workflow.StageType]EndpointConfig, logger *zap.Logger) error {
	var errs []error
	for stageType, cfg := range endpoints {
		exec, err := NewHTTPExecutor(cfg, logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("stage %s: %w", stageType, err))
			continue
		}
		if err := reg.Register(stageType, exec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
