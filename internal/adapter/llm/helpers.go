package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/kaptinlin/jsonschema"

	"kanban-ai/internal/domain"
	"kanban-ai/internal/infra/config"
)

// maxResponseBody is the largest response body read from the API.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// Default transport settings.
const (
	defaultConnTimeout         = 30 * time.Second
	defaultRespTimeout         = 120 * time.Second
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewHTTPClient creates a pooled client with the configured timeouts.
func NewHTTPClient(cfg config.LLMConfig) *http.Client {
	connTimeout := orDefault(cfg.ConnTimeout, defaultConnTimeout)
	respTimeout := orDefault(cfg.RespTimeout, defaultRespTimeout)

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          positiveOr(cfg.Pool.MaxIdleConns, defaultMaxIdleConns),
		MaxIdleConnsPerHost:   positiveOr(cfg.Pool.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost),
		MaxConnsPerHost:       positiveOr(cfg.Pool.MaxConnsPerHost, defaultMaxConnsPerHost),
		IdleConnTimeout:       orDefault(cfg.Pool.IdleConnTimeout, defaultIdleConnTimeout),
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport, Timeout: connTimeout + respTimeout}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func positiveOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// doJSONRequest POSTs body and returns the response body. Non-200
// responses become domain errors.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// mapHTTPError classifies an API failure so the circuit breaker and the
// run record see a stable category.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, truncate(string(body), 512))
	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrLimitReached, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: authentication rejected: %s", domain.ErrProviderError, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// truncate shortens s to at most maxLen bytes on a rune boundary.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	end := 0
	for i := range s {
		if i > maxLen {
			break
		}
		end = i
	}
	return s[:end] + "..."
}

// decodeOutput parses model output into v. Fenced or slightly malformed
// JSON is repaired first; the result must satisfy schema.
func decodeOutput(raw string, schema *jsonschema.Schema, v any) error {
	const op = "llm.decodeOutput"

	text := stripCodeFences(raw)
	if text == "" {
		return domain.NewDomainError(op, domain.ErrGeneratorOutput, "empty output")
	}

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return domain.NewDomainError(op, domain.ErrGeneratorOutput,
				fmt.Sprintf("invalid JSON: %v: %s", err, truncate(text, 200)))
		}
		text = repaired
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return domain.NewDomainError(op, domain.ErrGeneratorOutput, "unrepairable JSON: "+err.Error())
		}
	}

	if result := schema.Validate(parsed); !result.IsValid() {
		return domain.NewDomainError(op, domain.ErrGeneratorOutput, fmt.Sprintf("schema mismatch: %s", result.Error()))
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return domain.NewDomainError(op, domain.ErrGeneratorOutput, err.Error())
	}
	return nil
}
