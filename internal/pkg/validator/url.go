package validator

import (
	"errors"
	"net/url"
	"strings"
)

var (
	ErrEmptyURL       = errors.New("url is required")
	ErrMalformedURL   = errors.New("invalid url format")
	ErrURLScheme      = errors.New("url must start with http:// or https://")
	ErrURLMissingHost = errors.New("url must include a host")
)

// WebhookURL checks that raw is an absolute http or https URL with a host.
func WebhookURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrEmptyURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ErrMalformedURL
	}

	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrURLScheme
	}

	if u.Hostname() == "" {
		return ErrURLMissingHost
	}

	return nil
}
