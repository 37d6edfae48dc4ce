package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 32 << 20
	DefaultDocumentPath = "tasksync/data.json"
	errorBodyLimit      = 512
)

type WebDAVOptions struct {
	HTTPClient   *http.Client
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

type WebDAVClient struct {
	httpClient   *http.Client
	userAgent    string
	maxBodyBytes int64
}

func NewWebDAVClient(opts WebDAVOptions) *WebDAVClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "tasksync"
	}
	return &WebDAVClient{
		httpClient:   httpClient,
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
	}
}

func (c *WebDAVClient) Pull(ctx context.Context, target Target) ([]byte, bool, error) {
	docURL, err := documentURL(target)
	if err != nil {
		return nil, false, err
	}
	resp, body, err := c.do(ctx, http.MethodGet, docURL, target, nil)
	if err != nil {
		return nil, false, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return body, true, nil
	}
	return nil, false, statusError(resp.StatusCode, body)
}

func (c *WebDAVClient) Push(ctx context.Context, target Target, doc []byte) error {
	docURL, err := documentURL(target)
	if err != nil {
		return err
	}
	resp, body, err := c.do(ctx, http.MethodPut, docURL, target, doc)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusConflict {
		// Parent collection missing.
		if err := c.makeCollections(ctx, target); err != nil {
			return err
		}
		resp, body, err = c.do(ctx, http.MethodPut, docURL, target, doc)
		if err != nil {
			return err
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return statusError(resp.StatusCode, body)
}

func (c *WebDAVClient) makeCollections(ctx context.Context, target Target) error {
	parts := strings.Split(NormalizePath(target.Path), "/")
	if len(parts) <= 1 {
		return nil
	}
	for i := 1; i < len(parts); i++ {
		collection := target
		collection.Path = strings.Join(parts[:i], "/") + "/"
		collectionURL, err := documentURL(collection)
		if err != nil {
			return err
		}
		resp, body, err := c.do(ctx, "MKCOL", collectionURL, target, nil)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		case resp.StatusCode == http.StatusMethodNotAllowed:
			// Already exists.
		default:
			return statusError(resp.StatusCode, body)
		}
	}
	return nil
}

func (c *WebDAVClient) do(ctx context.Context, method, target string, creds Target, payload []byte) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &UnavailableError{Op: strings.ToLower(method), Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, nil, &UnavailableError{Op: strings.ToLower(method), Err: err}
	}
	if int64(len(respBody)) > c.maxBodyBytes {
		return nil, nil, &RejectedError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("response exceeds %d bytes", c.maxBodyBytes)}
	}
	return resp, respBody, nil
}

func documentURL(target Target) (string, error) {
	endpoint, err := NormalizeEndpoint(target.Endpoint)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	path := NormalizePath(target.Path)
	if path == "" {
		path = DefaultDocumentPath
	}
	joined := base.JoinPath(strings.Split(path, "/")...)
	if strings.HasSuffix(target.Path, "/") {
		joined.Path += "/"
	}
	return joined.String(), nil
}

func statusError(status int, body []byte) error {
	message := truncate(string(body), errorBodyLimit)
	if message == "" {
		message = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{StatusCode: status, Message: message}
	}
	return &RejectedError{StatusCode: status, Message: message}
}
