// Package ollama is a synchronous client for an Ollama-compatible text
// generation backend. It performs no retries; every failure is returned as a
// TimeoutError, TransportError or ProtocolError.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rewired-gh/agrolens/internal/logger"
)

// Options are the generation parameters sent with every generate request.
type Options struct {
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	TopP        float64 `json:"top_p" mapstructure:"top_p"`
	TopK        int     `json:"top_k" mapstructure:"top_k"`
	NumPredict  int     `json:"num_predict" mapstructure:"num_predict"`
	Mirostat    int     `json:"mirostat" mapstructure:"mirostat"`
	MirostatTau float64 `json:"mirostat_tau" mapstructure:"mirostat_tau"`
	MirostatEta float64 `json:"mirostat_eta" mapstructure:"mirostat_eta"`
}

// DefaultOptions returns the generation parameters used when none are configured.
func DefaultOptions() Options {
	return Options{
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        40,
		NumPredict:  1024,
		Mirostat:    1,
		MirostatTau: 5.0,
		MirostatEta: 0.1,
	}
}

// Config holds the client settings, resolved once at construction.
type Config struct {
	Host           string
	Model          string
	Timeout        time.Duration
	CatalogTimeout time.Duration
	PullTimeout    time.Duration
	Options        Options
}

// Model is one entry of the backend catalog.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Client talks to the backend. The active model is the only mutable state and
// is changed through SetActiveModel.
type Client struct {
	host           string
	timeout        time.Duration
	catalogTimeout time.Duration
	pullTimeout    time.Duration
	options        Options
	httpClient     *http.Client

	mu          sync.RWMutex
	activeModel string
}

// NewClient creates a new client. Zero durations fall back to the defaults.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.CatalogTimeout <= 0 {
		cfg.CatalogTimeout = 30 * time.Second
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 10 * time.Minute
	}
	if cfg.Model == "" {
		cfg.Model = "gemma3:4b"
	}
	if cfg.Options == (Options{}) {
		cfg.Options = DefaultOptions()
	}

	c := &Client{
		host:           strings.TrimRight(cfg.Host, "/"),
		timeout:        cfg.Timeout,
		catalogTimeout: cfg.CatalogTimeout,
		pullTimeout:    cfg.PullTimeout,
		options:        cfg.Options,
		httpClient:     &http.Client{},
		activeModel:    cfg.Model,
	}
	logger.Info("[Ollama] client initialized (host=%s, model=%s, timeout=%v)", c.host, c.activeModel, c.timeout)
	return c
}

// ActiveModel returns the model used when a call does not name one.
func (c *Client) ActiveModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeModel
}

// SetActiveModel changes the model used when a call does not name one.
func (c *Client) SetActiveModel(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("model name must not be empty")
	}
	c.mu.Lock()
	prev := c.activeModel
	c.activeModel = name
	c.mu.Unlock()
	logger.Info("[Ollama] active model changed from %s to %s", prev, name)
	return nil
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

type generateResponse struct {
	Response      *string `json:"response"`
	Model         string  `json:"model"`
	Done          bool    `json:"done"`
	TotalDuration int64   `json:"total_duration"`
	EvalCount     int     `json:"eval_count"`
}

// Generate submits prompt and returns the response text. An empty model uses
// the active model.
func (c *Client) Generate(ctx context.Context, prompt, model string) (string, error) {
	if model == "" {
		model = c.ActiveModel()
	}

	body := generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: c.options,
	}

	logger.Info("[Ollama] sending prompt to %s (%s)", model, humanize.Bytes(uint64(len(prompt))))
	start := time.Now()

	var out generateResponse
	if err := c.do(ctx, "generate", http.MethodPost, "/api/generate", c.timeout, body, &out); err != nil {
		return "", err
	}
	if out.Response == nil {
		return "", &ProtocolError{Op: "generate", Err: errors.New("response field missing")}
	}

	logger.Info("[Ollama] response received from %s in %v (%s, %d tokens)",
		model, time.Since(start).Round(time.Millisecond), humanize.Bytes(uint64(len(*out.Response))), out.EvalCount)
	return *out.Response, nil
}

// ListModels returns the backend catalog.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var out struct {
		Models *[]Model `json:"models"`
	}
	if err := c.do(ctx, "list models", http.MethodGet, "/api/tags", c.catalogTimeout, nil, &out); err != nil {
		return nil, err
	}
	if out.Models == nil {
		return nil, &ProtocolError{Op: "list models", Err: errors.New("models field missing")}
	}
	return *out.Models, nil
}

// PullModel asks the backend to download a model and waits for it to finish.
func (c *Client) PullModel(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("model name must not be empty")
	}

	logger.Info("[Ollama] pulling model %s", name)
	var out struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	body := map[string]any{"name": name, "stream": false}
	if err := c.do(ctx, "pull", http.MethodPost, "/api/pull", c.pullTimeout, body, &out); err != nil {
		return err
	}
	if out.Error != "" {
		return &ProtocolError{Op: "pull", Err: errors.New(out.Error)}
	}
	logger.Info("[Ollama] model %s pulled (status=%s)", name, out.Status)
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, timeout time.Duration, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(op, timeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(err) {
			return &TimeoutError{Op: op, Timeout: timeout, Err: err}
		}
		return &ProtocolError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
