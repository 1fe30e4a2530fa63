// Package receiver drives an HTTP exchange's response side through its
// event lifecycle. Transport glue parses wire bytes into discrete events
// (begin, header, headers, content available, success, failure) and calls
// the matching Receiver method; the Receiver validates state, serializes
// the event onto the exchange's invoker and fans it out to listeners and
// to the content source handed to the application.
package receiver

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/inflow-io/inflow/codec"
	"github.com/inflow-io/inflow/content"
	"github.com/inflow-io/inflow/utils/invoker"
)

// State is the receiver's position in the response lifecycle.
type State int

const (
	StateIdle State = iota
	StateBegin
	StateHeader
	StateHeaders
	StateContent
	StateFailure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBegin:
		return "BEGIN"
	case StateHeader:
		return "HEADER"
	case StateHeaders:
		return "HEADERS"
	case StateContent:
		return "CONTENT"
	case StateFailure:
		return "FAILURE"
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// Receiver is the response-receiving state machine for one connection.
// All state mutation runs on the serialized invoker; the event methods may
// be called from any goroutine.
type Receiver struct {
	transport content.Transport
	log       *zap.Logger
	registry  *codec.Registry
	cookies   CookieStore
	handlers  []ProtocolHandler
	onInterim func(ex *Exchange, resp *Response)

	// strictOrdering makes the transport's after-success hook run strictly
	// after the complete listeners; off, it runs before, trading ordering
	// for latency.
	strictOrdering bool

	inv *invoker.Serialized

	// stateMu guards state and failure for readers outside the invoker;
	// writes happen only on the invoker, so in-task reads skip the lock.
	stateMu  sync.Mutex
	state    State
	failure  error
	exchange *Exchange
	listener ResponseListener
	raw      *content.RawSource
	source   content.Source
	decoding *content.DecodingSource
	interim  bool
}

type Opt func(*Receiver)

func WithLogger(log *zap.Logger) Opt {
	return func(r *Receiver) { r.log = log }
}

func WithRegistry(reg *codec.Registry) Opt {
	return func(r *Receiver) { r.registry = reg }
}

func WithCookieStore(store CookieStore) Opt {
	return func(r *Receiver) { r.cookies = store }
}

func WithProtocolHandlers(handlers ...ProtocolHandler) Opt {
	return func(r *Receiver) { r.handlers = handlers }
}

func WithInterimHook(hook func(ex *Exchange, resp *Response)) Opt {
	return func(r *Receiver) { r.onInterim = hook }
}

func WithStrictEventOrdering() Opt {
	return func(r *Receiver) { r.strictOrdering = true }
}

func New(transport content.Transport, opts ...Opt) *Receiver {
	r := &Receiver{
		transport: transport,
		log:       zap.NewNop(),
		inv:       invoker.New(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.registry == nil {
		r.registry = codec.NewDefaultRegistry(codec.Config{})
	}
	r.log = r.log.Named("receiver")
	return r
}

// Invoker exposes the exchange's serialized execution queue so transport
// glue can dispatch its own per-exchange work in order with receive events.
func (r *Receiver) Invoker() *invoker.Serialized { return r.inv }

// State reports the current lifecycle position. Safe from any goroutine,
// including from inside listener callbacks running on the invoker.
func (r *Receiver) State() State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *Receiver) String() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	s := fmt.Sprintf("receiver(state=%s", r.state)
	if r.failure != nil {
		s += ", failure=" + r.failure.Error()
	}
	return s + ")"
}

func (r *Receiver) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// ResponseBegin starts a response. Status and version must already be
// stored on the exchange's response. A begin on an already completed
// exchange is swallowed: it models the benign race with a concurrent
// abort.
func (r *Receiver) ResponseBegin(ex *Exchange) {
	r.inv.Run(func() { r.responseBegin(ex) })
}

func (r *Receiver) responseBegin(ex *Exchange) {
	if ex.IsResponseComplete() || r.state == StateFailure {
		return
	}
	r.exchange = ex
	r.setState(StateBegin)
	r.listener = r.resolveListener(ex)
	r.log.Debug("response begin",
		zap.Int("status", ex.Response.Status),
		zap.String("version", ex.Response.Version))
	r.listener.OnBegin(ex.Response)
}

// resolveListener asks the protocol handlers in order; the first match
// supplies the listener for the whole exchange, replacing the exchange's
// own listeners.
func (r *Receiver) resolveListener(ex *Exchange) ResponseListener {
	for _, h := range r.handlers {
		if h.Accepts(ex.Request, ex.Response) {
			return h.NewListener()
		}
	}
	return multiListener(ex.Listeners)
}

// ResponseHeader offers one header field. Listeners decide inclusion;
// Set-Cookie fields reach the cookie store regardless.
func (r *Receiver) ResponseHeader(ex *Exchange, field Field) {
	r.inv.Run(func() { r.responseHeader(ex, field) })
}

func (r *Receiver) responseHeader(ex *Exchange, field Field) {
	if ex.IsResponseComplete() || r.exchange != ex {
		return
	}
	if r.state != StateBegin && r.state != StateHeader {
		return
	}
	r.setState(StateHeader)

	if r.listener.OnHeader(ex.Response, field) {
		ex.Response.Headers.Add(field.Name, field.Value)
	}
	if strings.EqualFold(field.Name, "Set-Cookie") || strings.EqualFold(field.Name, "Set-Cookie2") {
		if r.cookies != nil {
			r.cookies.SetCookie(ex.Request.URL, field.Value)
		}
	}
}

// ResponseHeaders ends the header block. For final responses it resolves
// content decoding, allocates the exchange's content source and hands it
// to listeners; for interim responses it leaves the exchange open for the
// next header block.
func (r *Receiver) ResponseHeaders(ex *Exchange) {
	r.inv.Run(func() { r.responseHeaders(ex) })
}

func (r *Receiver) responseHeaders(ex *Exchange) {
	if ex.IsResponseComplete() || r.exchange != ex {
		return
	}
	if r.state != StateBegin && r.state != StateHeader {
		return
	}
	r.setState(StateHeaders)
	resp := ex.Response

	r.interim = isInterim(resp.Status)
	if r.interim {
		r.listener.OnHeaders(resp)
		return
	}

	factory := r.resolveDecoding(ex)
	r.listener.OnHeaders(resp)

	r.setState(StateContent)
	if r.source != nil {
		panic("receiver: content source already allocated for this exchange")
	}
	r.raw = content.NewRawSource(r.inv, r.transport)
	r.source = r.raw
	if factory != nil {
		r.decoding = content.NewDecodingSource(r.inv, r.raw, factory, func(decoded int64) {
			resp.Headers.Remove("Transfer-Encoding")
			resp.Headers.Set("Content-Length", strconv.FormatInt(decoded, 10))
		})
		r.source = r.decoding
	}
	r.listener.OnContentSource(resp, r.source)
}

// resolveDecoding picks the decoder for the response's Content-Encoding.
// Of a comma-separated list only the last token is considered: encodings
// stack in application order and a single decoding pass is supported.
// HEAD responses carry no content and are never decoded. When a decoder
// applies, Content-Length is stripped since the decoded length is unknown.
func (r *Receiver) resolveDecoding(ex *Exchange) *codec.Factory {
	if strings.EqualFold(ex.Request.Method, "HEAD") {
		return nil
	}
	enc, ok := ex.Response.Headers.Get("Content-Encoding")
	if !ok {
		return nil
	}
	if i := strings.LastIndexByte(enc, ','); i >= 0 {
		enc = enc[i+1:]
	}
	enc = strings.TrimSpace(enc)
	factory, ok := r.registry.Factory(enc)
	if !ok {
		return nil
	}
	ex.Response.Headers.Remove("Content-Length")
	return factory
}

// ResponseContentAvailable signals that the transport may have new body
// bytes; it wakes a pending demand on the raw source.
func (r *Receiver) ResponseContentAvailable(ex *Exchange) {
	r.inv.Run(func() {
		if r.exchange != ex || r.raw == nil {
			return
		}
		r.raw.OnDataAvailable()
	})
}

// ResponseTrailer appends one trailer field.
func (r *Receiver) ResponseTrailer(ex *Exchange, field Field) {
	r.inv.Run(func() {
		if ex.IsResponseComplete() || r.exchange != ex || r.state != StateContent {
			return
		}
		ex.Response.Trailers.Add(field.Name, field.Value)
	})
}

// ResponseSuccess completes the response. The completion mark arbitrates
// against a concurrent failure; the loser is a no-op. afterSuccess is the
// transport's finalization hook, ordered against the complete listeners
// per the strict-ordering option. An interim success re-arms the exchange
// instead of terminating it.
func (r *Receiver) ResponseSuccess(ex *Exchange, afterSuccess func()) {
	r.inv.Run(func() { r.responseSuccess(ex, afterSuccess) })
}

func (r *Receiver) responseSuccess(ex *Exchange, afterSuccess func()) {
	if r.exchange != ex || !ex.MarkResponseComplete(nil) {
		return
	}

	if r.interim {
		r.interim = false
		r.setState(StateBegin)
		r.listener.OnSuccess(ex.Response)
		ex.ResetResponse()
		if r.onInterim != nil {
			r.onInterim(ex, ex.Response)
		}
		if afterSuccess != nil {
			afterSuccess()
		}
		return
	}

	resp := ex.Response
	listener := r.listener
	r.reset()
	r.log.Debug("response success", zap.Int("status", resp.Status))
	listener.OnSuccess(resp)

	result := ex.Result()
	if r.strictOrdering {
		listener.OnComplete(result)
		if afterSuccess != nil {
			afterSuccess()
		}
		return
	}
	if afterSuccess != nil {
		afterSuccess()
	}
	listener.OnComplete(result)
}

// ResponseFailure attempts to fail the current exchange. promise receives
// whether this call won the completion race and actually aborted; a call
// losing to natural completion or to an earlier failure resolves false
// with no side effects.
func (r *Receiver) ResponseFailure(failure error, promise func(aborted bool)) {
	r.inv.Run(func() {
		ex := r.exchange
		if ex == nil || !ex.MarkResponseComplete(failure) {
			resolve(promise, false)
			return
		}
		r.abort(ex, failure, promise)
	})
}

// Abort terminates an exchange whose completion mark is already claimed.
// Calling it on an unmarked exchange is a caller contract violation.
func (r *Receiver) Abort(ex *Exchange, failure error, promise func(aborted bool)) {
	r.inv.Run(func() {
		if !ex.IsResponseComplete() {
			panic("receiver: abort of a non-completed exchange")
		}
		r.abort(ex, failure, promise)
	})
}

func (r *Receiver) abort(ex *Exchange, failure error, promise func(aborted bool)) {
	if r.state == StateFailure {
		resolve(promise, false)
		return
	}

	resp := ex.Response
	listener := r.listener
	source := r.source
	r.reset()
	r.stateMu.Lock()
	r.state = StateFailure
	r.failure = failure
	r.stateMu.Unlock()
	r.interim = false

	r.log.Error("response failure", zap.Error(failure))
	if source != nil {
		source.Fail(failure)
	}
	if listener == nil {
		listener = multiListener(ex.Listeners)
	}
	listener.OnFailure(resp, failure)
	listener.OnComplete(ex.Result())
	resolve(promise, true)
}

// reset restores IDLE and drops per-exchange references so the connection
// can host a new exchange.
func (r *Receiver) reset() {
	if r.decoding != nil {
		_ = r.decoding.Close()
	}
	r.setState(StateIdle)
	r.exchange = nil
	r.listener = nil
	r.raw = nil
	r.source = nil
	r.decoding = nil
}

// isInterim reports an informational status that does not terminate the
// exchange. 101 switches protocols and ends the receiver's involvement,
// so it counts as final.
func isInterim(status int) bool {
	return status >= 100 && status < 200 && status != 101
}

func resolve(promise func(bool), aborted bool) {
	if promise != nil {
		promise(aborted)
	}
}
