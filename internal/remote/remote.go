package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrAuth        = errors.New("remote authentication failed")
	ErrUnavailable = errors.New("remote unavailable")
	ErrRejected    = errors.New("remote rejected request")
	ErrInvalid     = errors.New("invalid remote target")
)

// Target identifies one remote document and the credentials used to reach
// it. Job records store the password in the coordination store until the
// job is terminal; status responses never include it.
type Target struct {
	Endpoint string `json:"endpoint"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Path     string `json:"path"`
}

// Client reads and writes the single JSON blob behind a target. Pull
// reports found=false when the remote has no document yet.
type Client interface {
	Pull(ctx context.Context, target Target) ([]byte, bool, error)
	Push(ctx context.Context, target Target, doc []byte) error
}

type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote auth failed (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote auth failed: %s", e.Message)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("remote %s unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote rejected request (%d): %s", e.StatusCode, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// NormalizeEndpoint lowercases scheme and host and strips a trailing slash
// so equivalent endpoints map to the same sync-key.
func NormalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("%w: endpoint is required", ErrInvalid)
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !supportedScheme(scheme) {
		return "", fmt.Errorf("%w: unsupported endpoint scheme %q", ErrInvalid, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: endpoint host is required", ErrInvalid)
	}
	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String(), nil
}

func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	parts := strings.Split(path, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "/")
}

func supportedScheme(scheme string) bool {
	switch scheme {
	case "http", "https", "s3", "s3+http", "s3+https":
		return true
	}
	return false
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
