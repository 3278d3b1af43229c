// Package orchestrator calls the reasoning service that turns recognized
// speech into a spoken response.
package orchestrator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/coach-gateway/internal/config"
	"github.com/lexiqai/coach-gateway/internal/observability"
	"github.com/lexiqai/coach-gateway/internal/resilience"
)

// ErrMalformedResponse is returned when the reply has no text field.
var ErrMalformedResponse = errors.New("reasoning response has no text")

// Client invokes a unary reasoning method whose request and response are
// google.protobuf.Struct messages:
//
//	request:  {"session_id": "...", "text": "..."}
//	response: {"text": "..."}
type Client struct {
	conn    *grpc.ClientConn
	method  string
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	health  healthpb.HealthClient
	logger  zerolog.Logger
}

// NewClient creates a client for cfg.OrchestratorURL. The connection is
// established lazily on the first call.
func NewClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	creds := insecure.NewCredentials()
	if cfg.OrchestratorTLSEnabled {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(cfg.OrchestratorURL,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator client for %s: %w", cfg.OrchestratorURL, err)
	}
	breaker := resilience.NewCircuitBreaker("orchestrator", cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	return newClient(conn, cfg.OrchestratorMethod, time.Duration(cfg.OrchestratorTimeout)*time.Second, breaker, logger), nil
}

func newClient(conn *grpc.ClientConn, method string, timeout time.Duration, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *Client {
	return &Client{
		conn:    conn,
		method:  method,
		timeout: timeout,
		breaker: breaker,
		health:  healthpb.NewHealthClient(conn),
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Respond sends recognized text and returns the response text. An empty
// response means the service chose not to speak.
func (c *Client) Respond(ctx context.Context, sessionID, text string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"session_id": sessionID, "text": text})
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp := &structpb.Struct{}
	err = c.breaker.Call(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.conn.Invoke(callCtx, c.method, req, resp)
	})
	if err != nil {
		observability.RecordError(errorType(err), "orchestrator")
		return "", fmt.Errorf("failed to call %s: %w", c.method, err)
	}

	field, ok := resp.GetFields()["text"]
	if !ok {
		return "", ErrMalformedResponse
	}
	sv, ok := field.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", ErrMalformedResponse
	}
	return sv.StringValue, nil
}

// Healthy asks the standard gRPC health service whether the server is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func errorType(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "circuit_open"
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return "timeout"
	case codes.Unavailable:
		return "unavailable"
	default:
		return "call_failed"
	}
}
