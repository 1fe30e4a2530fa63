package compress

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/inflow-io/inflow/codec"
)

// Handler builds net/http middleware that decodes compressed request
// bodies and negotiates and applies response compression per cfg.
type Handler struct {
	cfg      *Config
	registry *codec.Registry
	log      *zap.Logger
}

func NewHandler(cfg *Config, registry *codec.Registry, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, registry: registry, log: log.Named("compress")}
}

// Wrap returns next with compression applied around it.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.MethodAllowed(r.Method) || !h.cfg.PathAllowed(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if err := h.decodeRequestBody(r); err != nil {
			h.log.Debug("request body decode setup failed",
				zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}

		encoding, err := Negotiate(r.Header.Get("Accept-Encoding"), h.cfg, h.registry.Encodings())
		if err != nil {
			w.Header().Set("Accept-Encoding", strings.Join(h.allowedEncodings(), ", "))
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}
		if encoding == "" {
			next.ServeHTTP(w, r)
			return
		}

		factory, ok := h.registry.Factory(encoding)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ew := &encodingWriter{rw: w, cfg: h.cfg, factory: factory}
		defer func() {
			if err := ew.finish(); err != nil {
				h.log.Warn("finishing compressed response",
					zap.String("encoding", encoding), zap.Error(err))
			}
		}()
		next.ServeHTTP(ew, r)
	})
}

// decodeRequestBody swaps the request body for a decoding reader when the
// request carries a supported Content-Encoding and the config rules allow
// that coding for this request. Bodies whose declared length is at or
// under the retention threshold are decoded eagerly; larger or unsized
// bodies stream. Of stacked codings only the outermost is reversed; the
// rest stay on the header for the application.
func (h *Handler) decodeRequestBody(r *http.Request) error {
	ce := r.Header.Get("Content-Encoding")
	if ce == "" || strings.EqualFold(ce, codec.EncodingIdentity) {
		return nil
	}
	enc := lastToken(ce)
	if !h.cfg.EncodingAllowed(enc) {
		return nil // excluded coding, body stays untouched
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !h.cfg.MIMEAllowed(ct) {
		return nil
	}
	factory, ok := h.registry.Factory(enc)
	if !ok {
		return nil // not ours to decode, let the application see it raw
	}

	dr := newDecodeReader(r.Body, factory.NewDecoder(), h.cfg.Retain())
	setRemainingCodings(r.Header, ce)
	r.Header.Del("Content-Length")

	if r.ContentLength >= 0 && r.ContentLength <= int64(h.cfg.Retain()) {
		decoded, err := io.ReadAll(dr)
		_ = dr.Close()
		if err != nil {
			return err
		}
		r.Body = io.NopCloser(bytes.NewReader(decoded))
		r.ContentLength = int64(len(decoded))
		r.Header.Set("Content-Length", strconv.Itoa(len(decoded)))
		return nil
	}

	r.Body = dr
	r.ContentLength = -1
	return nil
}

// setRemainingCodings rewrites Content-Encoding to the codings still
// applied to the body after the last one was reversed.
func setRemainingCodings(header http.Header, ce string) {
	if i := strings.LastIndexByte(ce, ','); i >= 0 {
		if rest := strings.TrimSpace(ce[:i]); rest != "" {
			header.Set("Content-Encoding", rest)
			return
		}
	}
	header.Del("Content-Encoding")
}

func (h *Handler) allowedEncodings() []string {
	var out []string
	for _, e := range h.registry.Encodings() {
		if h.cfg.EncodingAllowed(e) {
			out = append(out, e)
		}
	}
	return out
}

// encodingWriter defers the compress-or-not decision until the response
// is committed: headers are inspected on the first write, and bodies
// without a declared length are buffered up to the minimum-size
// threshold before an encoder is attached.
type encodingWriter struct {
	rw      http.ResponseWriter
	cfg     *Config
	factory *codec.Factory

	status   int
	decided  bool
	buffered bytes.Buffer
	enc      codec.Encoder
}

func (w *encodingWriter) Header() http.Header { return w.rw.Header() }

func (w *encodingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *encodingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if !w.decided {
		if !w.eligible() {
			w.decide(false)
		} else if cl, ok := w.declaredLength(); ok {
			w.decide(cl >= int64(w.cfg.MinCompress()))
		} else if w.buffered.Len()+len(b) >= w.cfg.MinCompress() {
			w.decide(true)
		} else {
			return w.buffered.Write(b)
		}
	}
	if w.enc != nil {
		return w.enc.Write(b)
	}
	return w.rw.Write(b)
}

// finish flushes whatever was held back. A body that never reached the
// minimum size goes out unencoded with its true length.
func (w *encodingWriter) finish() error {
	if !w.decided {
		if w.status == 0 {
			w.status = http.StatusOK
		}
		if w.buffered.Len() > 0 {
			w.rw.Header().Set("Content-Length", strconv.Itoa(w.buffered.Len()))
		}
		w.decide(false)
	}
	if w.enc != nil {
		return w.enc.Close()
	}
	return nil
}

// decide commits the response: headers are final after this point.
func (w *encodingWriter) decide(compress bool) {
	w.decided = true
	header := w.rw.Header()
	if compress {
		header.Set("Content-Encoding", w.factory.Encoding())
		header.Add("Vary", "Accept-Encoding")
		header.Del("Content-Length")
		w.enc = w.factory.NewEncoder(w.rw)
	}
	w.rw.WriteHeader(w.status)
	if w.buffered.Len() > 0 {
		if w.enc != nil {
			_, _ = w.enc.Write(w.buffered.Bytes())
		} else {
			_, _ = w.rw.Write(w.buffered.Bytes())
		}
		w.buffered.Reset()
	}
}

func (w *encodingWriter) eligible() bool {
	if w.status < 200 || w.status == http.StatusNoContent || w.status == http.StatusNotModified {
		return false
	}
	header := w.rw.Header()
	if header.Get("Content-Encoding") != "" {
		return false
	}
	if ct := header.Get("Content-Type"); ct != "" && !w.cfg.MIMEAllowed(ct) {
		return false
	}
	return true
}

func (w *encodingWriter) declaredLength() (int64, bool) {
	cl := w.rw.Header().Get("Content-Length")
	if cl == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// lastToken returns the final comma-separated token of a header value,
// lowercased. Only the outermost coding is reversed here.
func lastToken(v string) string {
	if i := strings.LastIndexByte(v, ','); i >= 0 {
		v = v[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(v))
}
