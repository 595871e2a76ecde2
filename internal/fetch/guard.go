package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrNotPermitted is returned for every URL the gate rejects. Its text
// is what the model sees as the tool result.
var ErrNotPermitted = errors.New("URL not permitted")

// checkURL rejects URLs that could reach internal infrastructure:
// non-HTTP schemes, blocklisted or .local/localhost hostnames, and
// hosts that resolve to loopback, private, link-local, multicast, or
// unspecified addresses. All rejections wrap ErrNotPermitted.
func checkURL(rawURL string, blocklist []string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid url: %w", ErrNotPermitted, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrNotPermitted, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: url has no host", ErrNotPermitted)
	}
	lower := strings.ToLower(host)
	for _, blocked := range blocklist {
		if lower == strings.ToLower(blocked) {
			return fmt.Errorf("%w: host %q is blocklisted", ErrNotPermitted, host)
		}
	}
	if allowPrivate {
		return nil
	}
	if lower == "localhost" || strings.HasSuffix(lower, ".local") {
		return fmt.Errorf("%w: host %q is not allowed", ErrNotPermitted, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return fmt.Errorf("%w: address %q is not public", ErrNotPermitted, host)
		}
		return nil
	}
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if isForbiddenIP(ip.IP) {
			return fmt.Errorf("%w: host %q resolves to a non-public address", ErrNotPermitted, host)
		}
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified()
}

// guardedTransport returns a transport whose dialer re-checks the
// address at connect time, so a hostname cannot pass validation and
// then re-resolve to an internal address.
func guardedTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || isForbiddenIP(ip) {
				return fmt.Errorf("connection to %s blocked", address)
			}
			return nil
		},
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
