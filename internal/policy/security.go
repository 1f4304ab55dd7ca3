package policy

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/quizchain/config"
	"gopkg.in/yaml.v3"
)

// ErrBlocked is returned when a URL is rejected by the network policy.
var ErrBlocked = errors.New("blocked by network policy")

const defaultMaxDownload = "50Mi"

// SecurityPolicy captures outbound constraints for capabilities, loaded from YAML.
type SecurityPolicy struct {
	Network   NetworkPolicy  `yaml:"network"`
	Downloads DownloadPolicy `yaml:"downloads"`
}

// NetworkPolicy limits which URLs network capabilities may reach.
type NetworkPolicy struct {
	Schemes      []string `yaml:"schemes"`
	Allowlist    []string `yaml:"allowlist"`
	Denylist     []string `yaml:"denylist"`
	BlockPrivate bool     `yaml:"block_private"`
}

// DownloadPolicy bounds downloaded artifacts.
type DownloadPolicy struct {
	MaxSize string `yaml:"max_size"`

	maxBytes int64
}

// Default returns the policy used when no policy file is configured: http and https to
// any host.
func Default() SecurityPolicy {
	p := SecurityPolicy{}
	p.applyDefaults(config.PolicyConfig{})
	_ = p.Validate()
	return p
}

// LoadSecurityPolicy loads and validates the policy file named by cfg. An empty path
// yields Default with cfg overrides applied.
func LoadSecurityPolicy(cfg config.PolicyConfig) (SecurityPolicy, error) {
	var policy SecurityPolicy
	policyPath := strings.TrimSpace(cfg.File)
	if policyPath != "" {
		data, err := os.ReadFile(filepath.Clean(policyPath))
		if err != nil {
			return SecurityPolicy{}, fmt.Errorf("read policy: %w", err)
		}
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return SecurityPolicy{}, fmt.Errorf("parse policy: %w", err)
		}
	}
	policy.applyDefaults(cfg)
	if err := policy.Validate(); err != nil {
		return SecurityPolicy{}, err
	}
	return policy, nil
}

func (p *SecurityPolicy) applyDefaults(cfg config.PolicyConfig) {
	p.Network.Schemes = sanitizeList(p.Network.Schemes)
	if len(p.Network.Schemes) == 0 {
		p.Network.Schemes = []string{"http", "https"}
	}
	for i, s := range p.Network.Schemes {
		p.Network.Schemes[i] = strings.ToLower(s)
	}
	p.Network.Allowlist = sanitizeHosts(p.Network.Allowlist)
	p.Network.Denylist = sanitizeHosts(p.Network.Denylist)
	if cfg.BlockPrivate {
		p.Network.BlockPrivate = true
	}
	p.Downloads.MaxSize = strings.TrimSpace(firstNonEmpty(p.Downloads.MaxSize, cfg.MaxDownload, defaultMaxDownload))
}

// Validate ensures the policy contains sane values.
func (p *SecurityPolicy) Validate() error {
	size, err := parseMemoryString(p.Downloads.MaxSize)
	if err != nil {
		return fmt.Errorf("downloads max_size invalid: %w", err)
	}
	if size <= 0 {
		return fmt.Errorf("downloads max_size must be greater than zero")
	}
	p.Downloads.maxBytes = int64(size)
	for _, s := range p.Network.Schemes {
		if s != "http" && s != "https" {
			return fmt.Errorf("network scheme %q not supported", s)
		}
	}
	return nil
}

// MaxDownloadBytes returns the parsed download ceiling.
func (p SecurityPolicy) MaxDownloadBytes() int64 {
	return p.Downloads.maxBytes
}

// Allow checks raw against the scheme list, denylist, allowlist and private-address
// rule. A nil error means the URL may be requested.
func (n NetworkPolicy) Allow(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !contains(n.Schemes, scheme) {
		return fmt.Errorf("%w: scheme %q", ErrBlocked, u.Scheme)
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	if matchesHost(n.Denylist, host) {
		return fmt.Errorf("%w: host %s denied", ErrBlocked, host)
	}
	if len(n.Allowlist) > 0 && !matchesHost(n.Allowlist, host) {
		return fmt.Errorf("%w: host %s not in allowlist", ErrBlocked, host)
	}
	if n.BlockPrivate {
		if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()) {
			return fmt.Errorf("%w: private address %s", ErrBlocked, host)
		}
		if host == "localhost" {
			return fmt.Errorf("%w: private address %s", ErrBlocked, host)
		}
	}
	return nil
}

func matchesHost(list []string, host string) bool {
	for _, entry := range list {
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			value = u.Hostname()
		}
	}
	return strings.TrimPrefix(value, "www.")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func sanitizeList(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, raw := range items {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		valLower := strings.ToLower(val)
		if _, ok := seen[valLower]; ok {
			continue
		}
		seen[valLower] = struct{}{}
		out = append(out, val)
	}
	return out
}

func sanitizeHosts(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	var out []string
	seen := make(map[string]struct{}, len(items))
	for _, raw := range items {
		host := normalizeHost(raw)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}

func parseMemoryString(value string) (float64, error) {
	val := strings.TrimSpace(strings.ToLower(value))
	if val == "" {
		return 0, nil
	}
	// Longest suffixes first so "mib" is not read as "b".
	units := []struct {
		suffix     string
		multiplier float64
	}{
		{"kib", 1024}, {"mib", 1024 * 1024}, {"gib", math.Pow(1024, 3)},
		{"kb", 1024}, {"mb", 1024 * 1024}, {"gb", math.Pow(1024, 3)},
		{"ki", 1024}, {"mi", 1024 * 1024}, {"gi", math.Pow(1024, 3)},
		{"k", 1024}, {"m", 1024 * 1024}, {"g", math.Pow(1024, 3)},
		{"b", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(val, u.suffix) {
			number := strings.TrimSpace(strings.TrimSuffix(val, u.suffix))
			if number == "" {
				return 0, fmt.Errorf("size value missing quantity")
			}
			f, err := parseFloat(number)
			if err != nil {
				return 0, err
			}
			return f * u.multiplier, nil
		}
	}
	return parseFloat(val)
}

func parseFloat(value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", value)
	}
	return f, nil
}
