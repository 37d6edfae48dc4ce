package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultS3Region = "us-east-1"

type S3Options struct {
	Transport    http.RoundTripper
	MaxBodyBytes int64
}

// S3Client stores the document as one object. Endpoints look like
// s3://host[:port]/bucket[/prefix]?region=eu-west-1; s3+http:// disables TLS.
// The target username and password are the access key and secret.
type S3Client struct {
	transport    http.RoundTripper
	maxBodyBytes int64
}

type s3Location struct {
	host      string
	secure    bool
	region    string
	bucket    string
	object    string
	pathStyle bool
}

func NewS3Client(opts S3Options) *S3Client {
	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &S3Client{transport: opts.Transport, maxBodyBytes: maxBodyBytes}
}

func (c *S3Client) Pull(ctx context.Context, target Target) ([]byte, bool, error) {
	client, loc, err := c.client(target)
	if err != nil {
		return nil, false, err
	}
	obj, err := client.GetObject(ctx, loc.bucket, loc.object, minio.GetObjectOptions{})
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, s3Error("get", err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(io.LimitReader(obj, c.maxBodyBytes+1))
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, s3Error("get", err)
	}
	if int64(len(payload)) > c.maxBodyBytes {
		return nil, false, &RejectedError{StatusCode: http.StatusOK, Message: fmt.Sprintf("object exceeds %d bytes", c.maxBodyBytes)}
	}
	return payload, true, nil
}

func (c *S3Client) Push(ctx context.Context, target Target, doc []byte) error {
	client, loc, err := c.client(target)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, loc.bucket, loc.object, bytes.NewReader(doc), int64(len(doc)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return s3Error("put", err)
	}
	return nil
}

func (c *S3Client) client(target Target) (*minio.Client, s3Location, error) {
	loc, err := parseS3Location(target)
	if err != nil {
		return nil, s3Location{}, err
	}
	options := &minio.Options{
		Creds:     credentials.NewStaticV4(target.Username, target.Password, ""),
		Secure:    loc.secure,
		Region:    loc.region,
		Transport: c.transport,
	}
	if loc.pathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(loc.host, options)
	if err != nil {
		return nil, s3Location{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return client, loc, nil
}

func parseS3Location(target Target) (s3Location, error) {
	parsed, err := url.Parse(strings.TrimSpace(target.Endpoint))
	if err != nil {
		return s3Location{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	loc := s3Location{host: parsed.Host, secure: true, region: defaultS3Region}
	switch strings.ToLower(parsed.Scheme) {
	case "s3", "s3+https":
	case "s3+http":
		loc.secure = false
	default:
		return s3Location{}, fmt.Errorf("%w: %q is not an s3 endpoint", ErrInvalid, target.Endpoint)
	}
	if loc.host == "" {
		return s3Location{}, fmt.Errorf("%w: s3 endpoint host is required", ErrInvalid)
	}
	segments := strings.SplitN(strings.Trim(parsed.Path, "/"), "/", 2)
	loc.bucket = segments[0]
	if loc.bucket == "" {
		return s3Location{}, fmt.Errorf("%w: s3 endpoint must name a bucket", ErrInvalid)
	}
	prefix := ""
	if len(segments) == 2 {
		prefix = NormalizePath(segments[1])
	}
	object := NormalizePath(target.Path)
	if object == "" {
		object = DefaultDocumentPath
	}
	if prefix != "" {
		object = prefix + "/" + object
	}
	loc.object = object

	query := parsed.Query()
	if region := strings.TrimSpace(query.Get("region")); region != "" {
		loc.region = region
	}
	loc.pathStyle = !strings.HasSuffix(strings.ToLower(parsed.Hostname()), ".amazonaws.com")
	if style := strings.ToLower(strings.TrimSpace(query.Get("path-style"))); style != "" {
		loc.pathStyle = style == "true" || style == "1"
	}
	return loc, nil
}

func isS3NotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}

func s3Error(op string, err error) error {
	errResp := minio.ErrorResponse{}
	if !errors.As(err, &errResp) || (errResp.StatusCode == 0 && errResp.Code == "") {
		return &UnavailableError{Op: op, Err: err}
	}
	switch errResp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return &AuthError{StatusCode: errResp.StatusCode, Message: errResp.Message}
	}
	switch errResp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{StatusCode: errResp.StatusCode, Message: errResp.Message}
	}
	if errResp.StatusCode >= 500 {
		return &UnavailableError{Op: op, Err: err}
	}
	return &RejectedError{StatusCode: errResp.StatusCode, Code: errResp.Code, Message: truncate(errResp.Message, errorBodyLimit)}
}
