package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/richinsley/comfy2video/internal/pkg/errors"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxInputSize = 50 << 20
)

// Resolver turns an input spec into bytes. A spec is an http(s) URL, a data URI,
// or a bare base64 payload.
type Resolver struct {
	httpclient *http.Client
	timeout    time.Duration
	maxBytes   int64
	log        *logger.Logger
}

type ResolverOption func(*Resolver)

func WithFetchTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// WithMaxInputSize caps fetched and decoded payloads.
func WithMaxInputSize(n int64) ResolverOption {
	return func(r *Resolver) { r.maxBytes = n }
}

func WithResolverHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) { r.httpclient = c }
}

func WithResolverLogger(l *logger.Logger) ResolverOption {
	return func(r *Resolver) { r.log = l }
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		httpclient: http.DefaultClient,
		timeout:    DefaultFetchTimeout,
		maxBytes:   DefaultMaxInputSize,
	}
	for _, o := range opts {
		o(r)
	}
	if r.timeout <= 0 {
		r.timeout = DefaultFetchTimeout
	}
	if r.maxBytes <= 0 {
		r.maxBytes = DefaultMaxInputSize
	}
	if r.log == nil {
		r.log = logger.Discard()
	}
	r.log = r.log.WithComponent("resolver")
	return r
}

// ResolveInput fetches or decodes spec. URL failures are FETCH_ERROR, malformed
// inline payloads DECODE_ERROR. Payloads that are not a supported image are
// DECODE_ERROR too.
func (r *Resolver) ResolveInput(ctx context.Context, spec string) (*Media, error) {
	m, err := r.resolve(ctx, spec)
	if err != nil {
		return nil, err
	}
	if !IsImageType(m.MediaType) {
		return nil, errors.New(errors.CodeDecode, "input is not a supported image").
			WithFields(map[string]any{"field": "image_data", "media_type": m.MediaType, "bytes": len(m.Data)})
	}
	return m, nil
}

func (r *Resolver) resolve(ctx context.Context, spec string) (*Media, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return nil, errors.ValidationField("image_data", "image_data is empty")
	case hasPrefixFold(spec, "http://"), hasPrefixFold(spec, "https://"):
		return r.fetch(ctx, spec)
	case hasPrefixFold(spec, "data:"):
		return r.decodeDataURI(spec)
	default:
		data, err := r.decodeBase64(spec)
		if err != nil {
			return nil, err
		}
		return newMedia(data, ""), nil
	}
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) (*Media, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, errors.New(errors.CodeFetch, "invalid input url").WithField("url", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeFetch, "transfer.fetch", "build request").WithField("url", redact(u))
	}
	resp, err := r.httpclient.Do(req)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeFetch, "transfer.fetch", "input download failed").WithField("url", redact(u))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf(errors.CodeFetch, "input download returned %d", resp.StatusCode).
			WithField("url", redact(u)).
			WithField("status", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeFetch, "transfer.fetch", "read input body").WithField("url", redact(u))
	}
	if int64(len(data)) > r.maxBytes {
		return nil, errors.Newf(errors.CodeFetch, "input larger than %d bytes", r.maxBytes).WithField("url", redact(u))
	}
	if len(data) == 0 {
		return nil, errors.New(errors.CodeFetch, "input download was empty").WithField("url", redact(u))
	}

	r.log.Debug("input fetched", "url", redact(u), "bytes", len(data))
	return newMedia(data, resp.Header.Get("Content-Type")), nil
}

// decodeDataURI handles data:<mediatype>[;base64],<payload>.
func (r *Resolver) decodeDataURI(spec string) (*Media, error) {
	comma := strings.IndexByte(spec, ',')
	if comma < 0 {
		return nil, errors.New(errors.CodeDecode, "malformed data uri: missing payload separator")
	}
	meta, payload := spec[len("data:"):comma], spec[comma+1:]

	isBase64 := false
	params := strings.Split(meta, ";")
	mediaType := params[0]
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}

	var data []byte
	if isBase64 {
		var err error
		if data, err = r.decodeBase64(payload); err != nil {
			return nil, err
		}
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeDecode, "transfer.decodeDataURI", "malformed data uri payload")
		}
		data = []byte(s)
		if len(data) == 0 {
			return nil, errors.New(errors.CodeDecode, "data uri payload is empty")
		}
	}
	return newMedia(data, mediaType), nil
}

// decodeBase64 accepts standard or URL-safe alphabets, padded or not, with
// embedded whitespace.
func (r *Resolver) decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(c rune) rune {
		switch c {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return c
	}, s)
	if s == "" {
		return nil, errors.New(errors.CodeDecode, "base64 payload is empty")
	}
	if int64(base64.StdEncoding.DecodedLen(len(s))) > r.maxBytes {
		return nil, errors.Newf(errors.CodeDecode, "inline payload larger than %d bytes", r.maxBytes)
	}

	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		data, err := enc.DecodeString(s)
		if err == nil {
			if len(data) == 0 {
				break
			}
			return data, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("decoded payload is empty")
	}
	return nil, errors.WrapWithCode(lastErr, errors.CodeDecode, "transfer.decodeBase64", "malformed base64 payload")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// redact drops query strings so signed URLs never reach logs or errors.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.Fragment = ""
	c.User = nil
	return c.String()
}
