package receiver

import (
	"net/url"
	"sync"
)

// Request carries the parts of the outgoing request the receiving side
// needs: the method for HEAD short-circuiting and the URI for cookie
// keying.
type Request struct {
	Method string
	URL    *url.URL
}

// Response accumulates metadata as receive events arrive. It is mutated
// only on the exchange's serialized invoker and is immutable once the
// terminal event fires.
type Response struct {
	Version  string
	Status   int
	Reason   string
	Headers  Fields
	Trailers Fields
}

// Result is the terminal outcome of an exchange.
type Result struct {
	Request  *Request
	Response *Response
	Failure  error
}

// Exchange is one request/response round trip. Its completion mark is the
// single arbitration point between concurrent success and failure paths:
// whichever caller wins the mark runs the terminal sequence, the loser's
// path is a no-op.
type Exchange struct {
	Request  *Request
	Response *Response

	// Listeners observe this exchange's response events. A protocol
	// handler resolved at begin time may override them.
	Listeners []ResponseListener

	mu       sync.Mutex
	complete bool
	failure  error
}

func NewExchange(req *Request, listeners ...ResponseListener) *Exchange {
	return &Exchange{
		Request:   req,
		Response:  &Response{},
		Listeners: listeners,
	}
}

// MarkResponseComplete attempts to claim the completion mark, recording
// failure as the terminal cause when non-nil. It returns false if the
// response already completed, in which case the caller must not run any
// terminal notification.
func (ex *Exchange) MarkResponseComplete(failure error) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.complete {
		return false
	}
	ex.complete = true
	ex.failure = failure
	return true
}

func (ex *Exchange) IsResponseComplete() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.complete
}

// ResetResponse re-arms the exchange after an interim response so the
// final header block can complete it again. The accumulated interim
// headers are discarded.
func (ex *Exchange) ResetResponse() {
	ex.mu.Lock()
	ex.complete = false
	ex.failure = nil
	ex.mu.Unlock()

	ex.Response.Status = 0
	ex.Response.Reason = ""
	ex.Response.Headers.reset()
}

// Result builds the terminal result. Valid only after the completion mark
// was claimed.
func (ex *Exchange) Result() *Result {
	ex.mu.Lock()
	failure := ex.failure
	ex.mu.Unlock()
	return &Result{Request: ex.Request, Response: ex.Response, Failure: failure}
}
