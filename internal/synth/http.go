package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

const streamChunkSize = 32 * 1024

// HTTPConfig configures the HTTP synthesis client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing synthesis calls. Zero
	// disables throttling.
	RequestsPerSecond float64
}

// HTTPClient implements Client against an HTTP synthesis endpoint that
// streams audio bytes in the response body.
type HTTPClient struct {
	cfg     HTTPConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a client for the given endpoint.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("synthesis base URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid synthesis base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}, nil
}

type synthesisBody struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Pitch    float64 `json:"pitch,omitempty"`
}

// Stream synthesizes req and delivers the response body in chunks.
func (c *HTTPClient) Stream(ctx context.Context, req Request, onChunk func(p []byte, expected int64) error) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	expected := resp.ContentLength
	if expected < 0 {
		expected = 0
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if cbErr := onChunk(chunk, expected); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return c.normalize(ctx, fmt.Errorf("reading synthesis stream: %w", err))
		}
	}
}

// Download synthesizes req straight to path. The audio is written to a
// temp file first and renamed so a partial download never becomes visible.
func (c *HTTPClient) Download(ctx context.Context, req Request, path string) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("creating download file: %w", err)
	}

	_, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	if copyErr != nil {
		os.Remove(tempPath) //nolint:errcheck
		return c.normalize(ctx, fmt.Errorf("writing download: %w", copyErr))
	}
	if closeErr != nil {
		os.Remove(tempPath) //nolint:errcheck
		return closeErr
	}

	return os.Rename(tempPath, path)
}

func (c *HTTPClient) do(ctx context.Context, req Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.normalize(ctx, err)
	}

	body, err := json.Marshal(synthesisBody{
		Text:     req.Text,
		Voice:    req.Voice,
		Language: req.Language,
		Speed:    req.Speed,
		Pitch:    req.Pitch,
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/synthesize"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	log.Debug("Synthesis request", "voice", req.Voice, "textLength", len(req.Text))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.normalize(ctx, fmt.Errorf("synthesis request: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("synthesis service returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// normalize maps context cancellation onto the cancellation sentinel.
func (c *HTTPClient) normalize(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled || IsCanceled(err) {
		return ErrCanceled
	}
	return err
}
