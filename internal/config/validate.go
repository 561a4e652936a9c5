package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// chunkAlignBytes is the 320 KiB alignment for upload chunks.
const (
	chunkAlignBytes = 327_680
	maxChunkBytes   = 62_914_560 // 60 MiB
)

var (
	validLoginFlows = map[string]bool{"device": true, "browser": true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.ClientID) == "" {
		errs = append(errs, errors.New("client_id: must not be empty"))
	}

	if strings.TrimSpace(cfg.Tenant) == "" {
		errs = append(errs, errors.New("tenant: must not be empty"))
	}

	for _, s := range cfg.Scopes {
		if strings.TrimSpace(s) == "" || strings.ContainsAny(s, " \t") {
			errs = append(errs, fmt.Errorf("scopes: invalid scope %q", s))
		}
	}

	errs = append(errs, validateBaseURL(cfg.BaseURL)...)

	if !validLoginFlows[cfg.LoginFlow] {
		errs = append(errs, fmt.Errorf("login_flow: must be device or browser, got %q", cfg.LoginFlow))
	}

	errs = append(errs, validateChunkSize(cfg.ChunkSize)...)

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", cfg.LogLevel))
	}

	if cfg.TokenPath == "" {
		errs = append(errs, errors.New("token_path: must not be empty"))
	}

	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics_addr: %w", err))
		}
	}

	return errors.Join(errs...)
}

func validateBaseURL(raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("base_url: %w", err)}
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return []error{fmt.Errorf("base_url: must be an http(s) URL, got %q", raw)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("base_url: missing host in %q", raw)}
	}

	return nil
}

func validateChunkSize(s string) []error {
	n, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("chunk_size: %w", err)}
	}

	if n <= 0 || n%chunkAlignBytes != 0 {
		return []error{fmt.Errorf("chunk_size: must be a positive multiple of 320KiB, got %q", s)}
	}

	if n > maxChunkBytes {
		return []error{fmt.Errorf("chunk_size: must not exceed 60MiB, got %q", s)}
	}

	return nil
}
