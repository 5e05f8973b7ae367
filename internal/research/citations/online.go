package citations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/danshapiro/paidr/internal/research/errs"
)

// Online ladder defaults.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultMaxBodyBytes = 2 << 20
	maxRedirects        = 5
)

// Ladder step names, recorded in attempt traces.
const (
	StepDirect     = "direct"
	StepBrightData = "bright_data"
	StepApify      = "apify"
)

// OnlineOptions configures the three-step validation ladder.
type OnlineOptions struct {
	Timeout            time.Duration
	MaxBodyBytes       int64
	BrightDataEndpoint string
	ApifyEndpoint      string
	DryRun             bool

	// Client overrides the HTTP client; the zero value builds one with
	// redirects disabled so every hop is re-preflighted here.
	Client *http.Client

	// LookupIP overrides hostname resolution for the SSRF preflight.
	LookupIP func(host string) ([]net.IP, error)

	// AllowPrivateHosts skips the private/loopback target rejection. Only
	// tests pointing at local fixtures set this.
	AllowPrivateHosts bool
}

func (o OnlineOptions) withDefaults() OnlineOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.LookupIP == nil {
		o.LookupIP = net.LookupIP
	}
	if o.Client == nil {
		o.Client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return o
}

// Preflight applies the SSRF policy to one URL: http(s) only, no userinfo,
// and no private, loopback, link-local, or unspecified targets.
func Preflight(raw string, opts OnlineOptions) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errs.Wrap(errs.InvalidArgs, err, "parse url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errs.New(errs.InvalidArgs, "disallowed protocol %q", u.Scheme)
	}
	if u.User != nil {
		return errs.New(errs.InvalidArgs, "URL carries credentials; stripped and rejected")
	}
	if opts.AllowPrivateHosts {
		return nil
	}
	host := u.Hostname()
	if host == "" {
		return errs.New(errs.InvalidArgs, "url has no host")
	}
	ips := []net.IP{}
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		resolved, err := opts.LookupIP(host)
		if err != nil {
			return errs.Wrap(errs.InvalidArgs, err, "resolve host %s", host)
		}
		ips = resolved
	}
	for _, ip := range ips {
		if disallowedIP(ip) {
			return errs.New(errs.InvalidArgs, "private/local target blocked by SSRF policy").
				WithDetail("host", host).
				WithDetail("ip", ip.String())
		}
	}
	return nil
}

func disallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// ValidateOnline runs one URL through the ladder: SSRF preflight, direct
// fetch with manual redirect re-preflight, then the bright-data and apify
// endpoints. Every step failure is appended to the attempt trace; exhausting
// the ladder yields status blocked.
func ValidateOnline(ctx context.Context, entry URLMapEntry, foundBy []string, opts OnlineOptions) Record {
	opts = opts.withDefaults()
	rec := Record{
		SchemaVersion: "citation.v1",
		NormalizedURL: entry.NormalizedURL,
		CID:           entry.CID,
		URL:           entry.NormalizedURL,
		URLOriginal:   Redact(entry.URLOriginal),
		CheckedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		FoundBy:       foundBy,
	}
	if rec.FoundBy == nil {
		rec.FoundBy = []string{}
	}

	if opts.DryRun {
		rec.Status = StatusBlocked
		rec.Notes = "dry run: direct skipped; bright_data skipped; apify skipped"
		return rec
	}

	if err := Preflight(entry.NormalizedURL, opts); err != nil {
		rec.Status = StatusInvalid
		rec.Notes = errs.AsError(err, errs.InvalidArgs).Message
		return rec
	}

	var trace []string
	if done := directFetch(ctx, &rec, opts, &trace); done {
		rec.Notes = joinTrace(rec.Notes, trace)
		return rec
	}
	for _, step := range []struct {
		name     string
		endpoint string
	}{
		{StepBrightData, opts.BrightDataEndpoint},
		{StepApify, opts.ApifyEndpoint},
	} {
		if step.endpoint == "" {
			trace = append(trace, step.name+" unconfigured")
			continue
		}
		if done := endpointFetch(ctx, &rec, step.name, step.endpoint, opts, &trace); done {
			rec.Notes = joinTrace(rec.Notes, trace)
			return rec
		}
	}

	rec.Status = StatusBlocked
	rec.Notes = joinTrace("all ladder steps failed", trace)
	return rec
}

// directFetch performs the GET with manual redirect handling. It returns
// true when it produced a terminal classification.
func directFetch(ctx context.Context, rec *Record, opts OnlineOptions, trace *[]string) bool {
	target := rec.NormalizedURL
	for hop := 0; hop <= maxRedirects; hop++ {
		if hop > 0 {
			if err := Preflight(target, opts); err != nil {
				rec.Status = StatusInvalid
				rec.Notes = errs.AsError(err, errs.InvalidArgs).Message
				return true
			}
		}
		reqCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
		if err != nil {
			cancel()
			*trace = append(*trace, fmt.Sprintf("%s: %v", StepDirect, err))
			return false
		}
		resp, err := opts.Client.Do(req)
		if err != nil {
			cancel()
			*trace = append(*trace, fmt.Sprintf("%s: %v", StepDirect, err))
			return false
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBodyBytes))
		resp.Body.Close()
		cancel()

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			if loc == "" {
				*trace = append(*trace, fmt.Sprintf("%s: redirect without location", StepDirect))
				return false
			}
			next, err := url.Parse(loc)
			if err != nil {
				*trace = append(*trace, fmt.Sprintf("%s: bad redirect %q", StepDirect, loc))
				return false
			}
			base, _ := url.Parse(target)
			target = base.ResolveReference(next).String()
			continue
		}

		rec.HTTPStatus = resp.StatusCode
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			rec.Status = StatusValid
			rec.Title = extractTitle(body)
			rec.EvidenceSnippet = extractSnippet(body)
			return true
		case resp.StatusCode == 401 || resp.StatusCode == 402 || resp.StatusCode == 403 || resp.StatusCode == 451:
			rec.Status = StatusPaywalled
			return true
		case resp.StatusCode == 404 || resp.StatusCode == 410:
			rec.Status = StatusInvalid
			return true
		default:
			*trace = append(*trace, fmt.Sprintf("%s: http %d", StepDirect, resp.StatusCode))
			return false
		}
	}
	*trace = append(*trace, fmt.Sprintf("%s: more than %d redirects", StepDirect, maxRedirects))
	return false
}

// endpointResponse is the citation.v1 subset an external endpoint replies
// with.
type endpointResponse struct {
	Status          string `json:"status"`
	URL             string `json:"url"`
	HTTPStatus      int    `json:"http_status"`
	Title           string `json:"title"`
	Publisher       string `json:"publisher"`
	EvidenceSnippet string `json:"evidence_snippet"`
	Notes           string `json:"notes"`
}

var endpointStatuses = map[string]bool{
	StatusValid:     true,
	StatusPaywalled: true,
	StatusBlocked:   true,
	StatusMismatch:  true,
	StatusInvalid:   true,
}

func endpointFetch(ctx context.Context, rec *Record, step, endpoint string, opts OnlineOptions, trace *[]string) bool {
	payload, _ := json.Marshal(map[string]any{"url": rec.NormalizedURL, "ladder_step": step})
	reqCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		*trace = append(*trace, fmt.Sprintf("%s: %v", step, err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := opts.Client.Do(req)
	if err != nil {
		*trace = append(*trace, fmt.Sprintf("%s: %v", step, err))
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBodyBytes))
	if resp.StatusCode != http.StatusOK {
		*trace = append(*trace, fmt.Sprintf("%s: http %d", step, resp.StatusCode))
		return false
	}
	var er endpointResponse
	if err := json.Unmarshal(body, &er); err != nil {
		*trace = append(*trace, fmt.Sprintf("%s: %s", step, errs.UpstreamInvalidJSON))
		return false
	}
	if !endpointStatuses[er.Status] {
		*trace = append(*trace, fmt.Sprintf("%s: unknown status %q", step, er.Status))
		return false
	}
	if er.Status == StatusBlocked {
		*trace = append(*trace, step+": blocked")
		return false
	}
	rec.Status = er.Status
	if er.HTTPStatus != 0 {
		rec.HTTPStatus = er.HTTPStatus
	}
	if er.Title != "" {
		rec.Title = er.Title
	}
	if er.Publisher != "" {
		rec.Publisher = er.Publisher
	}
	if er.EvidenceSnippet != "" {
		rec.EvidenceSnippet = er.EvidenceSnippet
	}
	if er.Notes != "" {
		rec.Notes = er.Notes
	}
	return true
}

var (
	titleTag = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	htmlTag  = regexp.MustCompile(`(?s)<[^>]*>`)
	spaces   = regexp.MustCompile(`\s+`)
)

func extractTitle(body []byte) string {
	m := titleTag.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(spaces.ReplaceAllString(string(m[1]), " "))
}

func extractSnippet(body []byte) string {
	text := htmlTag.ReplaceAllString(string(body), " ")
	text = strings.TrimSpace(spaces.ReplaceAllString(text, " "))
	const maxSnippet = 200
	if len(text) > maxSnippet {
		text = strings.TrimSpace(text[:maxSnippet])
	}
	return text
}

func joinTrace(prefix string, trace []string) string {
	if len(trace) == 0 {
		return prefix
	}
	joined := strings.Join(trace, "; ")
	if prefix == "" {
		return joined
	}
	return prefix + ": " + joined
}
