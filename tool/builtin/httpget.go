package builtin

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/capsule-run/capsule/policy"
	"github.com/capsule-run/capsule/tool"
)

const (
	defaultHTTPTimeoutSeconds = 30
	defaultMaxResponseBytes   = 10 * 1024 * 1024
)

// Resolver abstracts hostname resolution so tests can inject DNS-rebinding
// scenarios without touching the real resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// HttpGet makes HTTP GET requests, with DNS-rebinding prevention as a
// defense-in-depth duty beyond what the Policy Engine already adjudicated.
type HttpGet struct {
	Resolver Resolver
	Client   *http.Client
}

// NewHttpGet returns an HttpGet backed by the system resolver and a
// default http.Client.
func NewHttpGet() *HttpGet {
	return &HttpGet{Resolver: net.DefaultResolver, Client: http.DefaultClient}
}

func (h *HttpGet) Name() string        { return "http.get" }
func (h *HttpGet) Description() string { return "Make HTTP GET request to fetch data from a URL" }

func (h *HttpGet) ValidateArgs(args map[string]any) []string {
	var errs []string
	v, ok := args["url"]
	if !ok {
		errs = append(errs, "'url' is required")
	} else if s, ok := v.(string); !ok {
		errs = append(errs, "'url' must be a string")
	} else if strings.TrimSpace(s) == "" {
		errs = append(errs, "'url' cannot be empty")
	} else if parsed, err := url.Parse(s); err != nil {
		errs = append(errs, fmt.Sprintf("'url' is invalid: %v", err))
	} else {
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			errs = append(errs, "'url' scheme must be http or https")
		}
		if parsed.Host == "" {
			errs = append(errs, "'url' must have a host")
		}
	}
	if v, ok := args["headers"]; ok {
		if _, ok := v.(map[string]any); !ok {
			errs = append(errs, "'headers' must be a dictionary")
		}
	}
	if v, ok := args["timeout"]; ok {
		if n, ok := asNumber(v); !ok || n <= 0 {
			errs = append(errs, "'timeout' must be a positive number")
		}
	}
	return errs
}

func (h *HttpGet) Execute(ctx context.Context, args map[string]any, tc *tool.Context) tool.Output {
	if errs := h.ValidateArgs(args); len(errs) > 0 {
		return tool.Fail("invalid arguments: "+strings.Join(errs, "; "), nil)
	}

	urlStr, _ := args["url"].(string)

	timeoutSeconds := defaultHTTPTimeoutSeconds
	maxResponseBytes := int64(defaultMaxResponseBytes)
	if tc.Policy != nil {
		if tc.Policy.Tools.HttpGet.TimeoutSeconds > 0 {
			timeoutSeconds = int(tc.Policy.Tools.HttpGet.TimeoutSeconds)
		}
		if tc.Policy.Tools.HttpGet.MaxResponseBytes > 0 {
			maxResponseBytes = tc.Policy.Tools.HttpGet.MaxResponseBytes
		}
	}
	if v, ok := args["timeout"]; ok {
		if n, ok := asNumber(v); ok {
			timeoutSeconds = int(n)
		}
	}

	parsed, _ := url.Parse(urlStr)
	hostname := parsed.Hostname()
	if hostname == "" {
		return tool.Fail("could not extract hostname from URL", nil)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := h.Resolver.LookupIPAddr(resolveCtx, hostname)
	if err != nil {
		return tool.Fail(fmt.Sprintf("DNS resolution failed for %s: %v", hostname, err), map[string]any{"hostname": hostname})
	}
	if len(addrs) == 0 {
		return tool.Fail(fmt.Sprintf("no IP addresses found for %s", hostname), map[string]any{"hostname": hostname})
	}
	for _, addr := range addrs {
		if policy.IsPrivateOrReserved(addr.IP) {
			return tool.Fail(
				fmt.Sprintf("DNS rebinding blocked: %s resolves to private IP %s", hostname, addr.IP),
				map[string]any{"hostname": hostname, "resolved_ip": addr.IP.String()},
			)
		}
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer reqCancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, urlStr, nil)
	if err != nil {
		return tool.Fail(fmt.Sprintf("unexpected error: %v", err), map[string]any{"url": urlStr})
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return tool.Fail(fmt.Sprintf("request timed out after %d seconds", timeoutSeconds), map[string]any{"url": urlStr})
		}
		return tool.Fail(fmt.Sprintf("request failed: %v", err), map[string]any{"url": urlStr})
	}
	defer resp.Body.Close()

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > maxResponseBytes {
			return tool.Fail(
				fmt.Sprintf("response too large: %d bytes (max: %d)", n, maxResponseBytes),
				map[string]any{"content_length": n, "max_bytes": maxResponseBytes},
			)
		}
	}

	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return tool.Fail(fmt.Sprintf("error reading response: %v", err), map[string]any{"url": urlStr})
	}
	if int64(len(body)) > maxResponseBytes {
		return tool.Fail(
			fmt.Sprintf("response exceeded size limit: max %d bytes", maxResponseBytes),
			map[string]any{"max_bytes": maxResponseBytes},
		)
	}

	var bodyStr string
	if utf8.Valid(body) {
		bodyStr = string(body)
	} else {
		bodyStr = base64.StdEncoding.EncodeToString(body)
	}

	headers := map[string]any{}
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	finalURL := resp.Request.URL.String()
	return tool.Ok(map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        bodyStr,
		"url":         finalURL,
	}, map[string]any{
		"url": urlStr, "final_url": finalURL, "status_code": resp.StatusCode, "body_size": len(body),
	})
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
