package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Router dispatches on the endpoint scheme: http(s) goes to WebDAV and
// s3 variants go to the S3 client.
type Router struct {
	WebDAV Client
	S3     Client
}

func NewRouter(webdav, s3 Client) *Router {
	return &Router{WebDAV: webdav, S3: s3}
}

func (r *Router) Pull(ctx context.Context, target Target) ([]byte, bool, error) {
	client, err := r.route(target)
	if err != nil {
		return nil, false, err
	}
	return client.Pull(ctx, target)
}

func (r *Router) Push(ctx context.Context, target Target, doc []byte) error {
	client, err := r.route(target)
	if err != nil {
		return err
	}
	return client.Push(ctx, target, doc)
}

func (r *Router) route(target Target) (Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(target.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var client Client
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		client = r.WebDAV
	case "s3", "s3+http", "s3+https":
		client = r.S3
	}
	if client == nil {
		return nil, fmt.Errorf("%w: no client for endpoint scheme %q", ErrInvalid, parsed.Scheme)
	}
	return client, nil
}
