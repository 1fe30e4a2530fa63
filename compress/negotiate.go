package compress

import (
	"errors"
	"strconv"
	"strings"
)

// ErrNotAcceptable is returned when the client forbids identity and no
// other acceptable coding is available. Callers map it to a 415 response
// carrying an Accept-Encoding hint.
var ErrNotAcceptable = errors.New("compress: no acceptable content coding")

// acceptEntry is one parsed Accept-Encoding member.
type acceptEntry struct {
	coding string
	q      float64
}

// parseAccept parses an Accept-Encoding value into coding/q pairs.
// Malformed q values degrade to 0 rather than failing the request.
func parseAccept(header string) []acceptEntry {
	var entries []acceptEntry
	for _, member := range strings.Split(header, ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		coding, params, _ := strings.Cut(member, ";")
		e := acceptEntry{coding: strings.ToLower(strings.TrimSpace(coding)), q: 1}
		for params != "" {
			var param string
			param, params, _ = strings.Cut(params, ";")
			name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(name), "q") {
				continue
			}
			q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil || q < 0 {
				q = 0
			}
			if q > 1 {
				q = 1
			}
			e.q = q
		}
		entries = append(entries, e)
	}
	return entries
}

// Negotiate picks a content coding for the response. available lists the
// codings the server can produce, in registration order. The highest
// client quality wins; ties break by the configured preference order,
// then by registration order. An empty result with a nil error means
// identity: send the body as is. ErrNotAcceptable means the client
// excluded identity and nothing else matched.
func Negotiate(acceptEncoding string, cfg *Config, available []string) (string, error) {
	entries := parseAccept(acceptEncoding)

	explicit := make(map[string]float64, len(entries))
	starQ, hasStar := 0.0, false
	for _, e := range entries {
		if e.coding == "*" {
			starQ, hasStar = e.q, true
			continue
		}
		explicit[e.coding] = e.q
	}

	best, bestQ := "", 0.0
	for _, coding := range available {
		if !cfg.EncodingAllowed(coding) {
			continue
		}
		q, ok := explicit[coding]
		if !ok {
			if !hasStar {
				continue
			}
			q = starQ
		}
		if q <= 0 {
			continue
		}
		if best == "" || q > bestQ ||
			(q == bestQ && cfg.preferenceRank(coding) < cfg.preferenceRank(best)) {
			best, bestQ = coding, q
		}
	}
	if best != "" {
		return best, nil
	}

	identityQ, ok := explicit["identity"]
	if !ok {
		identityQ = 1
		if hasStar {
			identityQ = starQ
		}
	}
	if identityQ > 0 {
		return "", nil
	}
	return "", ErrNotAcceptable
}

// preferenceRank orders codings by the Preferred list; unlisted codings
// rank after every listed one.
func (c *Config) preferenceRank(coding string) int {
	for i, p := range c.preferred {
		if p == coding {
			return i
		}
	}
	return len(c.preferred)
}
