package models

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrMissingSubscription = errors.New("no subscription provided")
	ErrMissingEndpoint     = errors.New("missing endpoint")
	ErrInvalidEndpoint     = errors.New("endpoint must be an absolute http(s) URL")
	ErrMissingKeys         = errors.New("subscription keys p256dh and auth are required")
)

// PushSubscription is the descriptor handed out by the browser's PushManager.
type PushSubscription struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *int64   `json:"expirationTime,omitempty"`
	Keys           PushKeys `json:"keys"`
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Validate rejects descriptors that could never be delivered to.
func (s *PushSubscription) Validate() error {
	if s == nil {
		return ErrMissingSubscription
	}
	if strings.TrimSpace(s.Endpoint) == "" {
		return ErrMissingEndpoint
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return ErrInvalidEndpoint
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return ErrMissingKeys
	}
	return nil
}

// RedactEndpoint hides the device-specific part of an endpoint URL, keeping
// the push service host and a short suffix so operators can tell entries apart.
func RedactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "[redacted]"
	}
	path := u.Path
	suffix := path
	if len(path) > 6 {
		suffix = path[len(path)-6:]
	}
	return u.Scheme + "://" + u.Host + "/…" + suffix
}
