package helpers

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var trackingQueryParams = map[string]struct{}{
	"utm_source":    {},
	"utm_medium":    {},
	"utm_campaign":  {},
	"utm_term":      {},
	"utm_content":   {},
	"gclid":         {},
	"fbclid":        {},
	"msclkid":       {},
	"mc_eid":        {},
	"hsctatracking": {},
}

// SourceURL validates a lookup source. Only absolute http(s) URLs with a
// host are accepted; the result is canonical.
func SourceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("url %q must be absolute http(s)", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url %q missing host", raw)
	}
	return canonical(parsed), nil
}

// canonical lowercases scheme and host, drops default ports, fragments and
// tracking parameters, and sorts the remaining query.
func canonical(u *url.URL) string {
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	host := strings.ToLower(out.Host)
	if h, port, ok := strings.Cut(host, ":"); ok {
		if (out.Scheme == "http" && port == "80") || (out.Scheme == "https" && port == "443") {
			host = h
		}
	}
	out.Host = host
	if out.Path == "" {
		out.Path = "/"
	}
	out.Fragment = ""

	query := out.Query()
	for key := range query {
		if _, drop := trackingQueryParams[strings.ToLower(key)]; drop {
			query.Del(key)
		}
	}
	if len(query) == 0 {
		out.RawQuery = ""
		return out.String()
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	out.RawQuery = b.String()
	return out.String()
}

// DedupeSources validates and canonicalises raw, keeping first occurrences.
// Invalid entries are returned separately.
func DedupeSources(raw []string) (valid []string, invalid []string) {
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		c, err := SourceURL(r)
		if err != nil {
			invalid = append(invalid, r)
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		valid = append(valid, c)
	}
	return valid, invalid
}
