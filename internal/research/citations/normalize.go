// Package citations owns the citation pipeline: URL extraction from wave
// markdown, WHATWG-style normalization, content-addressed fingerprints, and
// validation through offline fixtures or the three-step online ladder.
package citations

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/danshapiro/paidr/internal/research/errs"
)

// CIDPrefix tags every citation fingerprint.
const CIDPrefix = "cid_"

// trackingParams are dropped outright during normalization.
var trackingParams = map[string]bool{"gclid": true, "fbclid": true}

// sensitiveParamTokens flag query parameter names whose values are redacted
// before a URL appears in notes or reports.
var sensitiveParamTokens = []string{"token", "key", "api_key", "access_token", "auth", "session", "password"}

// Normalize canonicalizes an http(s) URL: lowercase scheme and host, default
// ports stripped, no trailing slash on non-root paths, tracking parameters
// removed, remaining query pairs sorted by (key, value), fragment and
// userinfo dropped.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgs, err, "parse url %q", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errs.New(errs.InvalidArgs, "only http/https URLs are allowed").WithDetail("url", raw)
	}
	if u.Host == "" {
		return "", errs.New(errs.InvalidArgs, "url %q has no host", raw)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	path := u.EscapedPath()
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimRight(path, "/")
	}

	query := normalizeQuery(u.Query())

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return b.String(), nil
}

// CID returns the content-addressed fingerprint of a normalized URL.
func CID(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return CIDPrefix + hex.EncodeToString(sum[:])
}

// Redact strips userinfo and masks sensitive query parameter values so a URL
// is safe to persist in notes and reports.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	if u.RawQuery != "" {
		pairs := parsePairs(u.Query())
		for i := range pairs {
			if sensitiveParam(pairs[i][0]) {
				pairs[i][1] = "[REDACTED]"
			}
		}
		u.RawQuery = encodePairs(pairs)
	}
	return u.String()
}

func normalizeQuery(values url.Values) string {
	pairs := parsePairs(values)
	kept := pairs[:0]
	for _, kv := range pairs {
		key := strings.ToLower(kv[0])
		if strings.HasPrefix(key, "utm_") || trackingParams[key] {
			continue
		}
		kept = append(kept, kv)
	}
	return encodePairs(kept)
}

func parsePairs(values url.Values) [][2]string {
	var pairs [][2]string
	for key, vals := range values {
		for _, v := range vals {
			pairs = append(pairs, [2]string{key, v})
		}
	}
	return pairs
}

func encodePairs(pairs [][2]string) string {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	var b strings.Builder
	for i, kv := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	return b.String()
}

func sensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, token := range sensitiveParamTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
