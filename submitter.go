package docqw

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
)

// PipelineRun is what a remote pipeline receives for one task.
type PipelineRun struct {
	TaskID string `json:"task_id"`
	Job    *Job   `json:"job"`
	// CallbackURL is where the pipeline posts progress updates.
	CallbackURL string `json:"callback_url,omitempty"`
}

// PipelineSubmitter starts runs on a remote pipeline service.
type PipelineSubmitter interface {
	Submit(ctx context.Context, run PipelineRun) error
}

// HTTPSubmitter posts runs as JSON to a REST endpoint, retrying transient
// failures with exponential backoff.
type HTTPSubmitter struct {
	endpoint   string
	token      string
	client     *http.Client
	enc        Encoder
	maxRetries uint64
}

// HTTPSubmitterOption configures an HTTPSubmitter.
type HTTPSubmitterOption func(*HTTPSubmitter) error

// WithBearerToken authenticates requests with a static token.
func WithBearerToken(token string) HTTPSubmitterOption {
	return func(s *HTTPSubmitter) error {
		s.token = token
		return nil
	}
}

// WithTokenFile reads the bearer token from a file, such as a mounted service account token.
func WithTokenFile(path string) HTTPSubmitterOption {
	return func(s *HTTPSubmitter) error {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		s.token = string(bytes.TrimSpace(b))
		return nil
	}
}

// WithCABundle makes the client trust only the PEM certificates in path.
func WithCABundle(path string) HTTPSubmitterOption {
	return func(s *HTTPSubmitter) error {
		pem, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("ca bundle %s: no certificates", path)
		}
		s.client.Transport = &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}
		return nil
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPSubmitterOption {
	return func(s *HTTPSubmitter) error {
		s.client = c
		return nil
	}
}

// WithMaxRetries bounds the retries of a failed submission (default 3).
func WithMaxRetries(n uint64) HTTPSubmitterOption {
	return func(s *HTTPSubmitter) error {
		s.maxRetries = n
		return nil
	}
}

// NewHTTPSubmitter creates a submitter posting to endpoint.
func NewHTTPSubmitter(endpoint string, opts ...HTTPSubmitterOption) (*HTTPSubmitter, error) {
	s := &HTTPSubmitter{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
		enc:        &JSONEncoder{},
		maxRetries: 3,
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Submit posts the run. 4xx responses are not retried.
func (s *HTTPSubmitter) Submit(ctx context.Context, run PipelineRun) error {
	body, err := s.enc.Encode(run)
	if err != nil {
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("pipeline rejected run %s: %s: %s", run.TaskID, resp.Status, bytes.TrimSpace(msg)))
		default:
			return fmt.Errorf("pipeline run %s: %s", run.TaskID, resp.Status)
		}
	}, policy)
}

// jsPublisher is the part of nats.JetStreamContext the submitter needs.
type jsPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// JetStreamSubmitter publishes runs to a JetStream subject consumed by the
// pipeline workers.
type JetStreamSubmitter struct {
	js      jsPublisher
	subject string
	enc     Encoder
}

// NewJetStreamSubmitter creates a submitter publishing on subject.
// A nats.JetStreamContext satisfies js.
func NewJetStreamSubmitter(js jsPublisher, subject string) *JetStreamSubmitter {
	return &JetStreamSubmitter{js: js, subject: subject, enc: &JSONEncoder{}}
}

func (s *JetStreamSubmitter) Submit(ctx context.Context, run PipelineRun) error {
	data, err := s.enc.Encode(run)
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: s.subject,
		Data:    data,
		Header:  nats.Header{},
	}
	// JetStream de-duplicates on the message id within its window
	msg.Header.Set(nats.MsgIdHdr, run.TaskID)
	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("submit run %s: publish failed: %w", run.TaskID, err)
	}
	return nil
}
