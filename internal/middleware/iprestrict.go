// Package middleware holds HTTP middleware for the gateway router.
package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/shellgate/shellgate/internal/logutil"
)

// ParseAllowedIPs parses a comma-separated list of IPs and CIDR ranges.
// Single IPs are converted to /32 (IPv4) or /128 (IPv6) CIDRs. Empty
// input returns nil, which callers treat as allow-all.
func ParseAllowedIPs(allowList string) ([]*net.IPNet, error) {
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return nil, nil
	}

	parts := strings.Split(allowList, ",")
	var networks []*net.IPNet

	for _, part := range parts {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}

		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}

	return networks, nil
}

// RestrictIPs returns middleware rejecting requests from addresses outside
// the allow list. An empty list allows everything. The list is parsed once
// at startup; an invalid entry is a configuration error.
func RestrictIPs(allowList string) (func(http.Handler) http.Handler, error) {
	networks, err := ParseAllowedIPs(allowList)
	if err != nil {
		return nil, err
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(networks) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			// RemoteAddr is the direct peer unless chi's RealIP middleware
			// already rewrote it from a proxy header.
			host := r.RemoteAddr
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}

			ip := net.ParseIP(strings.TrimSpace(host))
			if ip == nil {
				log.Printf("Blocked request with unparseable source %q", logutil.SanitizeForLog(host))
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}

			for _, network := range networks {
				if network.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}

			log.Printf("Blocked request from %s: not in allowed list", logutil.SanitizeForLog(host))
			http.Error(w, "Access denied", http.StatusForbidden)
		})
	}, nil
}
