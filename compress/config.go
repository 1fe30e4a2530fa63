// Package compress is the server-side mirror of the decoding pipeline:
// it negotiates a response encoding from Accept-Encoding quality values,
// wraps outgoing writes through an encoder sink and incoming request
// bodies through a decoder, subject to configured include/exclude rules.
package compress

import (
	"strings"

	"github.com/inflow-io/inflow/consts"
	"github.com/inflow-io/inflow/utils/lru"
)

const pathCacheSize = 1024

// Config is an immutable rule set deciding what gets compressed. Build it
// once with NewConfig; path decisions are cached per Config.
type Config struct {
	includedEncodings []string
	excludedEncodings []string
	includedMethods   []string
	excludedMethods   []string
	includedMIMETypes []string
	excludedMIMETypes []string
	includedPaths     []string
	excludedPaths     []string
	preferred         []string

	minCompressSize int
	retainSize      int

	pathDecisions *lru.LRU[bool]
}

// Builder accumulates compression rules; Build freezes them. Include
// lists are exhaustive once non-empty, exclude lists always win.
type Builder struct {
	cfg Config
}

func NewConfig() *Builder {
	return &Builder{cfg: Config{
		minCompressSize: consts.MinCompressSize,
		retainSize:      consts.DefaultDecodeBufferSize,
	}}
}

func (b *Builder) IncludeEncodings(encodings ...string) *Builder {
	b.cfg.includedEncodings = append(b.cfg.includedEncodings, lower(encodings)...)
	return b
}

func (b *Builder) ExcludeEncodings(encodings ...string) *Builder {
	b.cfg.excludedEncodings = append(b.cfg.excludedEncodings, lower(encodings)...)
	return b
}

func (b *Builder) IncludeMethods(methods ...string) *Builder {
	b.cfg.includedMethods = append(b.cfg.includedMethods, methods...)
	return b
}

func (b *Builder) ExcludeMethods(methods ...string) *Builder {
	b.cfg.excludedMethods = append(b.cfg.excludedMethods, methods...)
	return b
}

func (b *Builder) IncludeMIMETypes(types ...string) *Builder {
	b.cfg.includedMIMETypes = append(b.cfg.includedMIMETypes, lower(types)...)
	return b
}

func (b *Builder) ExcludeMIMETypes(types ...string) *Builder {
	b.cfg.excludedMIMETypes = append(b.cfg.excludedMIMETypes, lower(types)...)
	return b
}

// IncludePaths adds path rules: exact paths or "/prefix/*" patterns.
func (b *Builder) IncludePaths(paths ...string) *Builder {
	b.cfg.includedPaths = append(b.cfg.includedPaths, paths...)
	return b
}

func (b *Builder) ExcludePaths(paths ...string) *Builder {
	b.cfg.excludedPaths = append(b.cfg.excludedPaths, paths...)
	return b
}

// Preferred sets the server-side tiebreak order among encodings the
// client rates equally.
func (b *Builder) Preferred(encodings ...string) *Builder {
	b.cfg.preferred = append(b.cfg.preferred, lower(encodings)...)
	return b
}

// MinCompressSize sets the smallest body worth compressing.
func (b *Builder) MinCompressSize(n int) *Builder {
	b.cfg.minCompressSize = n
	return b
}

// RetainSize sets the request-body size up to which decoding happens
// eagerly into memory; larger bodies stream through the decoder.
func (b *Builder) RetainSize(n int) *Builder {
	b.cfg.retainSize = n
	return b
}

func (b *Builder) Build() *Config {
	cfg := b.cfg
	cfg.pathDecisions = lru.New[bool](pathCacheSize)
	return &cfg
}

func (c *Config) EncodingAllowed(encoding string) bool {
	return allowed(strings.ToLower(encoding), c.includedEncodings, c.excludedEncodings)
}

func (c *Config) MethodAllowed(method string) bool {
	return allowed(method, c.includedMethods, c.excludedMethods)
}

// MIMEAllowed checks a Content-Type value, parameters stripped.
func (c *Config) MIMEAllowed(contentType string) bool {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	return allowed(contentType, c.includedMIMETypes, c.excludedMIMETypes)
}

// PathAllowed checks the request path against the path rules. Decisions
// are cached, keyed by the path itself.
func (c *Config) PathAllowed(path string) bool {
	return c.pathDecisions.GetOrAdd([]byte(path), func() bool {
		for _, p := range c.excludedPaths {
			if pathMatch(p, path) {
				return false
			}
		}
		if len(c.includedPaths) == 0 {
			return true
		}
		for _, p := range c.includedPaths {
			if pathMatch(p, path) {
				return true
			}
		}
		return false
	})
}

func (c *Config) MinCompress() int { return c.minCompressSize }

func (c *Config) Retain() int { return c.retainSize }

func pathMatch(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return path == pattern
}

func allowed(v string, included, excluded []string) bool {
	for _, e := range excluded {
		if v == e {
			return false
		}
	}
	if len(included) == 0 {
		return true
	}
	for _, i := range included {
		if v == i {
			return true
		}
	}
	return false
}

func lower(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
