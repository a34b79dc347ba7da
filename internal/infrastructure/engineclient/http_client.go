// Package engineclient implements the two EngineClient shapes of spec §4.2:
// EngineHTTP (a persistent wire-level client bound to a running engine) and
// StandaloneTokenizer (a one-shot subprocess tokenizer). The HTTP transport
// tuning is grounded on the teacher's llm/openai.Provider, adapted: no
// response-header timeout, since engines may "think arbitrarily long".
package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/pkg/ekerr"
)

// HTTPClient is EngineHTTP: one per running engine, bound to its base URL.
type HTTPClient struct {
	baseURL            string
	healthCheckTimeout time.Duration
	client             *http.Client
	logger             *zap.Logger

	mu         sync.Mutex
	cancelInFlight context.CancelFunc
}

// NewHTTPClient builds a client bound to connect, with timeouts copied from
// the chosen variant (spec §4.3.3 step 1).
func NewHTTPClient(connect string, healthCheckTimeout time.Duration, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 2,
		// No ResponseHeaderTimeout: engines may think arbitrarily long (spec §4.2).
	}
	return &HTTPClient{
		baseURL:            strings.TrimRight(connect, "/"),
		healthCheckTimeout: healthCheckTimeout,
		client:             &http.Client{Transport: transport},
		logger:             logger.With(zap.String("component", "engine-http"), zap.String("connect", connect)),
	}
}

// CheckHealth GETs {base}/health; true iff HTTP 200 within health_check_timeout.
func (c *HTTPClient) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type tokenizeRequest struct {
	Content string `json:"content"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

type applyTemplateRequest struct {
	Messages []chatMessage `json:"messages"`
}

type applyTemplateResponse struct {
	Prompt string `json:"prompt"`
}

// EstimateTokens implements spec §4.2's best-effort computation of
// prompt+completion tokens. On any failure along the way it falls back to
// the next-cheaper strategy, and ultimately to max_tokens as a safe
// conservative lower bound that must never underflow the sizing decision.
func (c *HTTPClient) EstimateTokens(ctx context.Context, requestBody []byte) int {
	parsed := parseRequestShape(requestBody)

	prompt := ""
	if len(parsed.Messages) > 0 {
		if p, err := c.applyTemplate(ctx, parsed.Messages); err == nil {
			prompt = p
		} else {
			c.logger.Debug("apply-template failed, concatenating text directly", zap.Error(err))
			prompt = parsed.concatText()
		}
	} else {
		prompt = parsed.concatText()
	}

	tokens, err := c.tokenize(ctx, prompt)
	if err != nil {
		c.logger.Debug("tokenize failed, falling back to max_tokens", zap.Error(err))
		return parsed.MaxTokens
	}
	return tokens + parsed.MaxTokens
}

func (c *HTTPClient) applyTemplate(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(applyTemplateRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	var out applyTemplateResponse
	if err := c.postJSON(ctx, "/apply-template", body, &out); err != nil {
		return "", err
	}
	return out.Prompt, nil
}

func (c *HTTPClient) tokenize(ctx context.Context, content string) (int, error) {
	body, err := json.Marshal(tokenizeRequest{Content: content})
	if err != nil {
		return 0, err
	}
	var out tokenizeResponse
	if err := c.postJSON(ctx, "/tokenize", body, &out); err != nil {
		return 0, err
	}
	return len(out.Tokens), nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

// ForwardResult is the handle returned by ForwardRequest: a streamed body
// the caller consumes, plus the upstream's status and content-type.
type ForwardResult struct {
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
}

// ForwardRequest POSTs body to {base}{path} with no read timeout (spec
// §4.2). The request context's CancelFunc is retained so TerminateRequest
// can cancel the in-flight task without affecting future calls.
func (c *HTTPClient) ForwardRequest(ctx context.Context, path string, body []byte) (*ForwardResult, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancelInFlight = cancel
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, ekerr.Wrap(ekerr.CodeUpstream, "failed to build forward request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, ekerr.Wrap(ekerr.CodeUpstream, "engine communication failed", err)
	}

	return &ForwardResult{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        &cancelingBody{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// TerminateRequest cancels the in-flight forward task, if any. Safe to call
// when none is in flight (spec §4.2).
func (c *HTTPClient) TerminateRequest() {
	c.mu.Lock()
	cancel := c.cancelInFlight
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// cancelingBody calls cancel when the body is closed, so the outbound
// request's context is released once the caller is done reading.
type cancelingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelingBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}
