package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/provgraph/store"
)

var (
	cgnat    *net.IPNet // 100.64.0.0/10 carrier-grade NAT
	v6unique *net.IPNet // fc00::/7
	v6link   *net.IPNet // fe80::/10
)

func init() {
	for _, c := range []struct {
		cidr string
		dst  **net.IPNet
	}{
		{"100.64.0.0/10", &cgnat},
		{"fc00::/7", &v6unique},
		{"fe80::/10", &v6link},
	} {
		_, ipNet, err := net.ParseCIDR(c.cidr)
		if err != nil {
			panic("invalid reserved CIDR: " + err.Error())
		}
		*c.dst = ipNet
	}
}

// ValidateURL rejects URLs that could reach internal infrastructure. HTTPS
// is required and localhost, private IPs, and local domains are blocked.
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("only HTTPS URLs are allowed")
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("localhost URLs are not allowed")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("local domain URLs are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return fmt.Errorf("private IP addresses are not allowed")
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return true
		}
	}
	return cgnat.Contains(ip) || v6unique.Contains(ip) || v6link.Contains(ip)
}

// FetchResult is the outcome of an HTTP fetch.
type FetchResult struct {
	Body         []byte
	ContentType  string
	ETag         string
	LastModified time.Time
	StatusCode   int
}

// NotModified reports whether the conditional fetch hit the cache.
func (r *FetchResult) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// Fetcher downloads source content with SSRF protection. DNS results are
// validated at dial time to defeat rebinding, and redirects are re-validated.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	maxBody      int64
	allowPrivate bool
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// AllowPrivateHosts disables SSRF checks. Only for local development against
// services on loopback; never in production config.
func AllowPrivateHosts() FetcherOption {
	return func(f *Fetcher) { f.allowPrivate = true }
}

// NewFetcher creates a fetcher with the given timeout, User-Agent, and body
// size limit.
func NewFetcher(timeout time.Duration, userAgent string, maxBody int64, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		userAgent: userAgent,
		maxBody:   maxBody,
	}
	for _, opt := range opts {
		opt(f)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	dialContext := dialer.DialContext
	if !f.allowPrivate {
		dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("DNS lookup failed: %w", err)
			}
			for _, ipAddr := range ips {
				if isPrivateIP(ipAddr.IP) {
					return nil, fmt.Errorf("connection to private IP %s is not allowed", ipAddr.IP)
				}
			}
			for _, ipAddr := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ipAddr.IP.String(), port))
				if err == nil {
					return conn, nil
				}
			}
			return nil, fmt.Errorf("failed to connect to any resolved IP")
		}
	}

	f.client = &http.Client{
		Transport: &http.Transport{
			DialContext:           dialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
		},
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			if !f.allowPrivate {
				if err := ValidateURL(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
			}
			return nil
		},
	}
	return f
}

// Fetch retrieves the URL body.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) (*FetchResult, error) {
	return f.FetchWithETag(ctx, urlStr, "")
}

// FetchWithETag performs a conditional fetch. When etag is set and the
// server answers 304, the result has NotModified true and an empty body.
func (f *Fetcher) FetchWithETag(ctx context.Context, urlStr, etag string) (*FetchResult, error) {
	if !f.allowPrivate {
		if err := ValidateURL(urlStr); err != nil {
			return nil, store.Validation(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, store.Validation(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/vtt,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, store.Cancelled(err)
		}
		return nil, store.Transient(fmt.Errorf("fetch %s: %w", urlStr, err))
	}
	defer resp.Body.Close()

	result := &FetchResult{
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
		StatusCode:  resp.StatusCode,
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			result.LastModified = t
		}
	}

	if resp.StatusCode == http.StatusNotModified {
		return result, nil
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, urlStr)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, store.Validation(err)
		}
		return nil, store.Transient(err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, store.Transient(fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.maxBody {
		return nil, store.Validation(fmt.Errorf("content exceeds %d bytes", f.maxBody))
	}
	result.Body = body
	return result, nil
}
