package security

import (
	"fmt"
	"net"
)

// GitHub hook source ranges, from https://api.github.com/meta.
var githubHookCIDRs = []string{
	"192.30.252.0/22",
	"185.199.108.0/22",
	"140.82.112.0/20",
	"143.55.64.0/20",
	"2a0a:a440::/29",
	"2606:50c0::/32",
}

// GitHubIPValidator checks that a webhook delivery comes from GitHub.
// A disabled validator accepts every address.
type GitHubIPValidator struct {
	networks []*net.IPNet
	enabled  bool
}

// NewGitHubIPValidator parses the GitHub hook ranges when enabled.
func NewGitHubIPValidator(enabled bool) (*GitHubIPValidator, error) {
	v := &GitHubIPValidator{enabled: enabled}
	if !enabled {
		return v, nil
	}
	for _, cidr := range githubHookCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", cidr, err)
		}
		v.networks = append(v.networks, network)
	}
	return v, nil
}

// IsValid reports whether ip belongs to a GitHub hook range.
func (v *GitHubIPValidator) IsValid(ip string) bool {
	if v == nil || !v.enabled {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range v.networks {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}
