package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateMetrics(cfg, ve)
	validateAutomation(cfg, ve)
	validateStore(cfg, ve)
	validateLLM(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var (
	validLevels    = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats   = map[string]bool{"": true, "text": true, "json": true}
	validExporters = map[string]bool{"": true, "noop": true, "stdout": true}
	validProviders = map[string]bool{"openai": true, "static": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	if !validFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is not supported (stdout, noop)", cfg.Tracer.Exporter)
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if !cfg.Metrics.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
		ve.Add("metrics.addr %q: %v", cfg.Metrics.Addr, err)
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		ve.Add("metrics.path %q must start with /", cfg.Metrics.Path)
	}
}

func validateAutomation(cfg *Config, ve *ValidationError) {
	a := cfg.Automation
	if a.PollInterval <= 0 {
		ve.Add("automation.poll_interval must be positive, got %s", a.PollInterval)
	}
	if a.TickTimeout < 0 {
		ve.Add("automation.tick_timeout must not be negative")
	}
	if a.HistoryLimit <= 0 {
		ve.Add("automation.history_limit must be positive, got %d", a.HistoryLimit)
	}
	if a.MaxRunsPerMinute < 0 {
		ve.Add("automation.max_runs_per_minute must not be negative")
	}
	if a.MaxConcurrent < 0 {
		ve.Add("automation.max_concurrent must not be negative")
	}
	if a.ActionTimeout < 0 {
		ve.Add("automation.action_timeout must not be negative")
	}
	if a.DedupCacheSize < 0 {
		ve.Add("automation.dedup_cache_size must not be negative")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.BoardFile == "" {
		ve.Add("store.board_file is required")
	}
	if cfg.Store.RunLogPath != "" && cfg.Store.RunLogPath == cfg.Store.BoardFile {
		ve.Add("store.run_log_path must differ from store.board_file")
	}
	if cfg.Store.RunLogRetention < 0 {
		ve.Add("store.run_log_retention must not be negative")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	l := cfg.LLM
	if !validProviders[l.Provider] {
		ve.Add("llm.provider %q must be openai or static", l.Provider)
		return
	}
	if l.Provider == "static" {
		return
	}
	if l.Model == "" {
		ve.Add("llm.model is required for provider %q", l.Provider)
	}
	if u, err := url.Parse(l.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("llm.base_url %q is not an absolute URL", l.BaseURL)
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		ve.Add("llm.temperature %v must be within [0, 2]", l.Temperature)
	}
	if l.MaxTokens < 0 {
		ve.Add("llm.max_tokens must not be negative")
	}
	if l.CircuitBreaker.Enabled && l.CircuitBreaker.Timeout < 0 {
		ve.Add("llm.circuit_breaker.timeout must not be negative")
	}
}
