package policy

import (
	"net"
	"net/url"
	"strings"

	"github.com/capsule-run/capsule/schema"
)

const (
	ruleInvalidURL       = "invalid_url"
	ruleAllowDomainsEmpty = "allow_domains=[]"
	ruleAllowDomains     = "allow_domains"
	ruleDenyPrivateIPs   = "deny_private_ips"
)

var localhostAliases = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"127.0.0.1":             {},
	"::1":                   {},
}

// evaluateHTTPGet adjudicates an http.get proposal per
// policy/engine.py's _evaluate_http_get.
func evaluateHTTPGet(args map[string]any, hp schema.HttpPolicy) schema.PolicyDecision {
	urlStr, ok := stringArg(args, "url")
	if !ok || urlStr == "" {
		return schema.DenyRule("'url' is required", ruleMissingArgument)
	}

	parsed, err := url.Parse(urlStr)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return schema.DenyRule("url must be absolute with a scheme and host", ruleInvalidURL)
	}

	host := parsed.Hostname()
	if host == "" {
		return schema.DenyRule("could not extract hostname from url", ruleInvalidURL)
	}

	if len(hp.AllowDomains) == 0 {
		return schema.DenyRule("no allow_domains configured", ruleAllowDomainsEmpty)
	}

	if !domainMatches(host, hp.AllowDomains) {
		return schema.DenyRule(
			"host does not match any allow_domains pattern",
			ruleAllowDomains,
		)
	}

	if hp.DenyPrivateIPs && isPrivateOrLocalhost(host) {
		return schema.DenyRule(
			"host resolves to a private, loopback, or reserved address",
			ruleDenyPrivateIPs,
		)
	}

	return schema.Allow("allow_domains")
}

// domainMatches reports whether host matches any allowed pattern: exact
// (case-insensitive), or a "*.suffix" wildcard matching both subdomains of
// suffix and the bare suffix itself.
func domainMatches(host string, patterns []string) bool {
	host = strings.ToLower(host)
	for _, pattern := range patterns {
		pattern = strings.ToLower(pattern)
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[2:]
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

// isPrivateOrLocalhost checks literal localhost aliases first, then
// attempts to parse host as an IP literal and classifies it with
// IsPrivateOrReserved. Non-IP hostnames that are not a
// localhost alias pass through here; DNS rebinding is the tool layer's
// responsibility (§4.4), not the policy layer's.
func isPrivateOrLocalhost(host string) bool {
	if _, ok := localhostAliases[strings.ToLower(host)]; ok {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return IsPrivateOrReserved(ip)
}

// IsPrivateOrReserved reports whether ip is private (10/8, 172.16/12,
// 192.168/16, fc00::/7), loopback, link-local unicast or multicast, or
// unspecified. Other special-purpose ranges (for example 100.64.0.0/10,
// 198.18.0.0/15, 240.0.0.0/4, or multicast beyond link-local) are not
// flagged. Shared with tool/builtin's DNS rebinding check so both layers
// use one definition.
func IsPrivateOrReserved(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
