package compress

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/inflow-io/inflow/codec"
)

func newTestHandler(t *testing.T, cfg *Config, inner http.HandlerFunc) http.Handler {
	t.Helper()
	return NewHandler(cfg, codec.NewDefaultRegistry(codec.Config{}), zaptest.NewLogger(t)).Wrap(inner)
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func gunzip(t *testing.T, data []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return out
}

func TestHandlerCompressesResponse(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	original := strings.Repeat("Hello Jetty!\n", 10)
	h := newTestHandler(t, NewConfig().Build(), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", strconv.Itoa(len(original)))
		_, _ = io.WriteString(w, original)
	})

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Equal(http.StatusOK, rec.Code)
	a.Equal("gzip", rec.Header().Get("Content-Encoding"))
	a.Equal("Accept-Encoding", rec.Header().Get("Vary"))
	a.Empty(rec.Header().Get("Content-Length"))
	a.Equal(original, string(gunzip(t, rec.Body.Bytes())))
}

func TestHandlerSmallBodyStaysPlain(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	h := newTestHandler(t, NewConfig().Build(), func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/tiny", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Empty(rec.Header().Get("Content-Encoding"))
	a.Equal("2", rec.Header().Get("Content-Length"))
	a.Equal("ok", rec.Body.String())
}

func TestHandlerDeclaredSmallLengthStaysPlain(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	h := newTestHandler(t, NewConfig().Build(), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "5")
		_, _ = io.WriteString(w, "small")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Empty(rec.Header().Get("Content-Encoding"))
	a.Equal("small", rec.Body.String())
}

func TestHandlerRespectsNegotiation(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var served string
	h := newTestHandler(t, NewConfig().Build(), func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("data ", 100))
		served = "yes"
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip;q=0.5, br;q=1.0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Equal("yes", served)
	a.Equal("br", rec.Header().Get("Content-Encoding"))
}

func TestHandlerNotAcceptable(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var served bool
	h := newTestHandler(t, NewConfig().Build(), func(http.ResponseWriter, *http.Request) {
		served = true
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "identity;q=0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.False(served)
	a.Equal(http.StatusUnsupportedMediaType, rec.Code)
	a.Contains(rec.Header().Get("Accept-Encoding"), "gzip", "hint names what we can produce")
}

func TestHandlerSkipsExcludedContexts(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cfg := NewConfig().
		ExcludeMIMETypes("image/png").
		ExcludePaths("/raw/*").
		ExcludeMethods("HEAD").
		Build()

	serve := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(bytes.Repeat([]byte{0xff}, 100))
	}

	for name, req := range map[string]*http.Request{
		"mime":   httptest.NewRequest(http.MethodGet, "/img", nil),
		"path":   httptest.NewRequest(http.MethodGet, "/raw/blob", nil),
		"method": httptest.NewRequest(http.MethodHead, "/img", nil),
	} {
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		newTestHandler(t, cfg, serve).ServeHTTP(rec, req)
		a.Empty(rec.Header().Get("Content-Encoding"), name)
	}
}

func TestHandlerLeavesPreEncodedAlone(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	payload := gzipBytes(t, []byte(strings.Repeat("static asset ", 20)))
	h := newTestHandler(t, NewConfig().Build(), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(payload)
	})

	req := httptest.NewRequest(http.MethodGet, "/asset.js.gz", nil)
	req.Header.Set("Accept-Encoding", "br, gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Equal("gzip", rec.Header().Get("Content-Encoding"))
	a.Equal(payload, rec.Body.Bytes(), "already-encoded body passes through untouched")
}

func TestHandlerDecodesRequestBodyEagerly(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	original := strings.Repeat("Hello Jetty!\n", 10)
	var got []byte
	var gotCE string
	var gotLen int64
	h := newTestHandler(t, NewConfig().Build(), func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		gotCE = r.Header.Get("Content-Encoding")
		gotLen = r.ContentLength
		w.WriteHeader(http.StatusNoContent)
	})

	compressed := gzipBytes(t, []byte(original))
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(compressed))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Equal(http.StatusNoContent, rec.Code)
	a.Equal(original, string(got))
	a.Empty(gotCE, "coding header removed once reversed")
	a.Equal(int64(len(original)), gotLen, "small body decoded eagerly")
}

func TestHandlerDecodesRequestBodyStreaming(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	original := strings.Repeat("stream me please. ", 3000)
	var got []byte
	var gotLen int64
	h := newTestHandler(t, NewConfig().RetainSize(64).Build(), func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		gotLen = r.ContentLength
		w.WriteHeader(http.StatusNoContent)
	})

	compressed := gzipBytes(t, []byte(original))
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(compressed))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Equal(original, string(got))
	a.Equal(int64(-1), gotLen, "length unknown while streaming")
}

func TestHandlerRequestBodyHonorsEncodingRules(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	compressed := gzipBytes(t, []byte("payload"))
	var got []byte
	var gotCE string
	cfg := NewConfig().ExcludeEncodings("gzip").Build()
	h := newTestHandler(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		gotCE = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(compressed))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Equal(compressed, got, "excluded coding passes through untouched")
	a.Equal("gzip", gotCE)
}

func TestHandlerRequestBodyHonorsPathRules(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	compressed := gzipBytes(t, []byte("payload"))
	var got []byte
	var gotCE string
	cfg := NewConfig().ExcludePaths("/raw/*").Build()
	h := newTestHandler(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		gotCE = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/raw/upload", bytes.NewReader(compressed))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Equal(compressed, got, "excluded path skips body decoding")
	a.Equal("gzip", gotCE)
}

func TestHandlerRequestBodyKeepsOuterCodings(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var got []byte
	var gotCE string
	h := newTestHandler(t, NewConfig().Build(), func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		gotCE = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusNoContent)
	})

	// only the outermost coding is reversed, the rest stays declared
	compressed := gzipBytes(t, []byte("payload"))
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(compressed))
	req.Header.Set("Content-Encoding", "identity, gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Equal("payload", string(got))
	a.Equal("identity", gotCE)
}

func TestHandlerRejectsBrokenRequestBody(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	h := newTestHandler(t, NewConfig().Build(), func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("this is not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	req.ContentLength = 16
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	a.Equal(http.StatusUnsupportedMediaType, rec.Code)
}
