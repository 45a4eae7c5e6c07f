package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	xlog "github.com/Notnaton/simplewebui/internal/log"
	"github.com/Notnaton/simplewebui/internal/models"
)

const (
	defaultMaxRetries = 3
	maxLineSize       = 1 << 20 // longest SSE/NDJSON line accepted
	maxErrorBody      = 4 << 10
)

// Client streams completions over HTTP. The zero value is not usable; use NewClient.
type Client struct {
	http       *http.Client
	maxRetries int
	backoff    func(attempt int) time.Duration
	logger     zerolog.Logger
}

// NewClient returns a client using httpClient (http.DefaultClient when nil).
// httpClient should not carry a short Timeout: replies can stream for minutes.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:       httpClient,
		maxRetries: defaultMaxRetries,
		backoff:    exponentialBackoff,
		logger:     xlog.WithComponent("llm"),
	}
}

// Stream sends msgs to the model configured in cfg and calls onToken for
// every content chunk. It returns everything received, also when an error
// interrupts the stream part way.
func (c *Client) Stream(ctx context.Context, cfg models.LLMConfig, msgs []models.Message, onToken TokenFunc) (string, error) {
	provider, model := Resolve(cfg.Model)
	url := endpoint(provider, cfg.APIBase)

	payload, err := json.Marshal(chatRequest{Model: model, Messages: toWire(msgs), Stream: true})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	c.logger.Debug().
		Str("provider", string(provider)).
		Str("model", model).
		Str("url", url).
		Int("messages", len(msgs)).
		Msg("starting completion stream")

	var resp *http.Response
	err = retryWithBackoff(ctx, c.maxRetries, c.backoff, func() error {
		r, err := c.do(ctx, url, cfg.APIKey, payload)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var reply strings.Builder
	emit := func(token string) error {
		if token == "" {
			return nil
		}
		reply.WriteString(token)
		if onToken != nil {
			return onToken(token)
		}
		return nil
	}

	switch provider {
	case ProviderOllama:
		err = readNDJSON(resp.Body, emit)
	default:
		err = readSSE(resp.Body, emit)
	}
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return reply.String(), err
}

func (c *Client) do(ctx context.Context, url, apiKey string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	msg := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &rateLimitError{body: msg}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Code: resp.StatusCode, Body: msg}
	default:
		return nil, &StatusError{Code: resp.StatusCode, Body: msg}
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return sc
}

// readSSE consumes an OpenAI-style event stream: "data: {json}" lines
// terminated by "data: [DONE]".
func readSSE(r io.Reader, emit func(string) error) error {
	sc := newScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// event:, id:, retry: carry nothing we use
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return nil
		}
		if !gjson.Valid(data) {
			return fmt.Errorf("malformed stream chunk: %.80q", data)
		}
		if e := gjson.Get(data, "error"); e.Exists() {
			return &APIError{Message: errorMessage(e)}
		}
		if err := emit(gjson.Get(data, "choices.0.delta.content").String()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return ErrTruncatedStream
}

// readNDJSON consumes Ollama's /api/chat stream: one JSON object per line
// until "done": true.
func readNDJSON(r io.Reader, emit func(string) error) error {
	sc := newScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !gjson.Valid(line) {
			return fmt.Errorf("malformed stream chunk: %.80q", line)
		}
		if e := gjson.Get(line, "error"); e.Exists() {
			return &APIError{Message: errorMessage(e)}
		}
		if err := emit(gjson.Get(line, "message.content").String()); err != nil {
			return err
		}
		if gjson.Get(line, "done").Bool() {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return ErrTruncatedStream
}

func errorMessage(e gjson.Result) string {
	if e.IsObject() {
		if m := e.Get("message"); m.Exists() {
			return m.String()
		}
		return e.Raw
	}
	return e.String()
}
