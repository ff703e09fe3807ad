package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	proxy "github.com/cloudfoundry/socks5-proxy"
)

// dialFunc matches http.Transport.DialContext.
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// socks5DialContext builds a dialer that tunnels through an SSH jump host.
// Supported format: ssh+socks5://user@host:port?private-key=/path/to/key
//
// The SSH connection is opened lazily on the first dial and reused after.
func socks5DialContext(rawProxy string) (dialFunc, error) {
	rawProxy = strings.TrimPrefix(rawProxy, "ssh+")

	proxyURL, err := url.Parse(rawProxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if proxyURL.Scheme != "socks5" {
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}

	username := ""
	if proxyURL.User != nil {
		username = proxyURL.User.Username()
	}

	keyPath := proxyURL.Query().Get("private-key")
	if keyPath == "" {
		return nil, fmt.Errorf("proxy url missing required 'private-key' query param")
	}
	if err := validateKeyPath(keyPath); err != nil {
		return nil, err
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read proxy private key: %w", err)
	}

	socks5Proxy := proxy.NewSocks5Proxy(proxy.NewHostKey(), log.Default(), 1*time.Minute)

	var (
		dialer proxy.DialFunc
		mu     sync.Mutex
	)

	return func(ctx context.Context, network, address string) (net.Conn, error) {
		mu.Lock()
		if dialer == nil {
			d, err := socks5Proxy.Dialer(username, string(key), proxyURL.Host)
			if err != nil {
				mu.Unlock()
				return nil, fmt.Errorf("create socks5 dialer: %w", err)
			}
			dialer = d
		}
		d := dialer
		mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return d(network, address)
	}, nil
}

// validateKeyPath accepts only an absolute path to a regular file with no
// parent-directory elements.
func validateKeyPath(p string) error {
	for _, elem := range strings.Split(filepath.ToSlash(p), "/") {
		if elem == ".." {
			return fmt.Errorf("proxy private key path %q must not contain '..'", p)
		}
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("proxy private key path %q must be absolute", p)
	}
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("proxy private key: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("proxy private key path %q is a directory", p)
	}
	return nil
}
