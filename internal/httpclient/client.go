// Package httpclient provides the outbound HTTP client used for console
// notifications and http job handlers.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/tessera/errors"
)

// maxResponseBody bounds how much of a response body is kept.
const maxResponseBody = 1 << 20

// Options configures a Client.
type Options struct {
	ConnectTimeout time.Duration     // Default: 5s
	ReadTimeout    time.Duration     // Default: 10s, time to first response byte and body read
	AllowedSchemes []string          // Default: ["http", "https"]
	BlockPrivateIP bool              // Refuse loopback, private and link-local targets
	Transport      http.RoundTripper // Overrides the dialing transport, for tests
}

// Client wraps http.Client with separate connect and read timeouts and
// target validation.
type Client struct {
	http           *http.Client
	readTimeout    time.Duration
	allowedSchemes []string
	blockPrivateIP bool
}

// New creates a client.
func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.AllowedSchemes == nil {
		opts.AllowedSchemes = []string{"http", "https"}
	}

	c := &Client{
		readTimeout:    opts.ReadTimeout,
		allowedSchemes: opts.AllowedSchemes,
		blockPrivateIP: opts.BlockPrivateIP,
	}

	transport := opts.Transport
	if transport == nil {
		dialer := &net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if c.blockPrivateIP {
					if err := checkResolved(ctx, addr); err != nil {
						return nil, err
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			ResponseHeaderTimeout: opts.ReadTimeout,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
		}
	}

	c.http = &http.Client{
		Transport: transport,
		Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.Newf("stopped after %d redirects", len(via))
			}
			return errors.Wrap(c.validateURL(req.URL), "redirect blocked")
		},
	}
	return c
}

func checkResolved(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.Wrap(err, "invalid address")
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve host %q", host)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return errors.Newf("private IP address blocked: %s", ip)
		}
	}
	return nil
}

// ValidateURL parses and checks a target URL.
func (c *Client) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "invalid URL %q", raw)
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.NewInvalidRequestError("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}
	host := u.Hostname()
	if host == "" {
		return errors.NewInvalidRequestError("URL %q has no host", u.String())
	}
	if c.blockPrivateIP {
		if isLocalhost(host) {
			return errors.NewInvalidRequestError("localhost access blocked")
		}
		if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
			return errors.NewInvalidRequestError("private IP address blocked: %s", host)
		}
	}
	return nil
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// PostJSON marshals body and posts it to target.
func (c *Client) PostJSON(ctx context.Context, target string, body interface{}, headers map[string]string) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request body")
	}
	return c.Post(ctx, target, "application/json", payload, headers)
}

// Post sends payload to target and reads the response.
func (c *Client) Post(ctx context.Context, target, contentType string, payload []byte, headers map[string]string) (*Response, error) {
	if _, err := c.ValidateURL(target); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "POST %s", target)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read response of %s", target)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
