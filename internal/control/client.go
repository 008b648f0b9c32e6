package control

import (
	"context"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/spectrum"
)

const (
	RequestTimeout          = 10 * time.Second
	RequestRetryCount       = 2
	RequestRetryMinWaitTime = 200 * time.Millisecond
	RequestRetryMaxWaitTime = 2 * time.Second
)

// Status is the outcome reported by a start call.
type Status string

const (
	StatusStarted        Status = "started"
	StatusAlreadyRunning Status = "already_running"
	StatusError          Status = "error"
)

// Endpoint names the REST paths of one backend consumer, relative to the base URL.
type Endpoint struct {
	Start  string `yaml:"start"`
	Stop   string `yaml:"stop"`
	Status string `yaml:"status"`
}

// StartRequest is the body of a start call. Listen sessions fill the tuning fields,
// scans fill the range fields.
type StartRequest struct {
	Frequency  float64 `json:"frequency,omitempty"`
	Modulation string  `json:"modulation,omitempty"`
	Gain       float64 `json:"gain,omitempty"`
	Squelch    int     `json:"squelch,omitempty"`
	Device     string  `json:"device,omitempty"`
	StartFreq  float64 `json:"start_freq,omitempty"`
	EndFreq    float64 `json:"end_freq,omitempty"`
	Step       float64 `json:"step,omitempty"`
}

// ListenRequest builds a start request from listen parameters.
func ListenRequest(p spectrum.ListenParams) StartRequest {
	return StartRequest{
		Frequency:  p.Frequency,
		Modulation: string(p.Modulation),
		Gain:       p.Gain,
		Squelch:    p.Squelch,
		Device:     p.Device,
	}
}

// ScanRequest builds a start request for a sweep over r.
func ScanRequest(r spectrum.Range, device string) StartRequest {
	return StartRequest{
		StartFreq: r.Start,
		EndFreq:   r.End,
		Step:      r.Step,
		Device:    device,
	}
}

type StartResponse struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// WithLogger sets the logger for the client
func WithLogger(logger *zap.Logger) func(c *Client) {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout overrides the per-request timeout
func WithTimeout(timeout time.Duration) func(c *Client) {
	return func(c *Client) {
		c.client.SetTimeout(timeout)
	}
}

// WithRetryCount overrides the number of retries on transport errors
func WithRetryCount(count int) func(c *Client) {
	return func(c *Client) {
		c.client.SetCommonRetryCount(count)
	}
}

// Client performs the start/stop/status REST calls of one backend consumer.
type Client struct {
	client   *req.Client
	endpoint Endpoint
	logger   *zap.Logger
}

// New creates a client for endpoint under baseURL
func New(baseURL string, endpoint Endpoint, options ...func(c *Client)) *Client {
	c := Client{
		client:   req.C(),
		endpoint: endpoint,
		logger:   zap.NewNop(),
	}

	c.client.SetBaseURL(baseURL)
	c.client.SetTimeout(RequestTimeout)
	c.client.SetCommonRetryCount(RequestRetryCount)
	c.client.SetCommonRetryBackoffInterval(RequestRetryMinWaitTime, RequestRetryMaxWaitTime)

	for _, option := range options {
		option(&c)
	}

	c.logger = c.logger.With(zap.String("component", "control"), zap.String("endpoint", endpoint.Start))
	return &c
}

// GetClient exposes the underlying client, tests use it to install a mock transport.
func (c *Client) GetClient() *req.Client {
	return c.client
}

// Start asks the backend to start the consumer. A backend "error" status is
// returned as *BackendError, "already_running" as ErrAlreadyRunning with a valid response.
func (c *Client) Start(ctx context.Context, request StartRequest) (*StartResponse, error) {
	var result StartResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetBody(&request).
		SetSuccessResult(&result).
		SetErrorResult(&BackendError{}).
		Post(c.endpoint.Start)
	if err = errorFromResponse(err, resp); err != nil {
		return nil, fmt.Errorf("starting: %w", err)
	}

	switch result.Status {
	case StatusStarted:
		c.logger.Debug("started", zap.Float64("frequency", request.Frequency))
		return &result, nil

	case StatusAlreadyRunning:
		return &result, ErrAlreadyRunning

	case StatusError:
		return nil, fmt.Errorf("starting: %w", &BackendError{Status: string(result.Status), Message: result.Message})

	default:
		return nil, fmt.Errorf("starting: unexpected status '%s'", result.Status)
	}
}

// Stop asks the backend to stop the consumer. Stopping a stopped consumer is not an error.
func (c *Client) Stop(ctx context.Context) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetErrorResult(&BackendError{}).
		Post(c.endpoint.Stop)
	if err = errorFromResponse(err, resp); err != nil {
		return fmt.Errorf("stopping: %w", err)
	}

	c.logger.Debug("stopped")
	return nil
}

// Status fetches the raw last-known state of the consumer.
func (c *Client) Status(ctx context.Context) ([]byte, error) {
	if c.endpoint.Status == "" {
		return nil, fmt.Errorf("status: no endpoint configured")
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(c.endpoint.Status)
	if err = errorFromResponse(err, resp); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return resp.Bytes(), nil
}
