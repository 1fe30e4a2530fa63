package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	waitFor = time.Second
	tick    = time.Millisecond
)

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	r := NewDefaultRegistry(Config{})
	a.Equal([]string{"gzip", "deflate", "br", "zstd"}, r.Encodings())

	f, ok := r.Factory("GZIP")
	a.True(ok)
	a.Equal(EncodingGzip, f.Encoding())

	f, ok = r.Factory("x-gzip")
	a.True(ok)
	a.Equal(EncodingGzip, f.Encoding())

	_, ok = r.Factory("compress")
	a.False(ok)
}

func TestRegistryDuplicatePanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		NewRegistry(NewGzip(Config{}), NewGzip(Config{}))
	})
}
