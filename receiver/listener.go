package receiver

import "github.com/inflow-io/inflow/content"

// ResponseListener observes response events for one exchange, in order:
// Begin, Header*, Headers, ContentSource?, then exactly one of
// Success or Failure, then Complete.
type ResponseListener interface {
	// OnBegin fires once status and version are stored on the response.
	OnBegin(resp *Response)

	// OnHeader fires per candidate field; returning false drops the field
	// from the response's header collection.
	OnHeader(resp *Response, field Field) bool

	// OnHeaders fires after the header block, with content-encoding header
	// adjustments already applied.
	OnHeaders(resp *Response)

	// OnContentSource hands over the exchange's body stream. Fires at most
	// once, only for final responses that may carry content.
	OnContentSource(resp *Response, src content.Source)

	OnSuccess(resp *Response)
	OnFailure(resp *Response, failure error)

	// OnComplete fires exactly once per exchange with the terminal result.
	OnComplete(result *Result)
}

// ProtocolHandler hooks protocol-specific response handling: the first
// handler whose Accepts matches at begin time supplies the listener for
// the rest of the exchange, replacing the exchange's own listeners.
type ProtocolHandler interface {
	Accepts(req *Request, resp *Response) bool
	NewListener() ResponseListener
}

// multiListener fans every event out to each nested listener. A field is
// kept only if every nested listener keeps it.
type multiListener []ResponseListener

func (m multiListener) OnBegin(resp *Response) {
	for _, l := range m {
		l.OnBegin(resp)
	}
}

func (m multiListener) OnHeader(resp *Response, field Field) bool {
	include := true
	for _, l := range m {
		include = l.OnHeader(resp, field) && include
	}
	return include
}

func (m multiListener) OnHeaders(resp *Response) {
	for _, l := range m {
		l.OnHeaders(resp)
	}
}

func (m multiListener) OnContentSource(resp *Response, src content.Source) {
	for _, l := range m {
		l.OnContentSource(resp, src)
	}
}

func (m multiListener) OnSuccess(resp *Response) {
	for _, l := range m {
		l.OnSuccess(resp)
	}
}

func (m multiListener) OnFailure(resp *Response, failure error) {
	for _, l := range m {
		l.OnFailure(resp, failure)
	}
}

func (m multiListener) OnComplete(result *Result) {
	for _, l := range m {
		l.OnComplete(result)
	}
}

// BaseListener is a no-op ResponseListener for embedding; override the
// events of interest.
type BaseListener struct{}

func (BaseListener) OnBegin(*Response)                         {}
func (BaseListener) OnHeader(*Response, Field) bool            { return true }
func (BaseListener) OnHeaders(*Response)                       {}
func (BaseListener) OnContentSource(*Response, content.Source) {}
func (BaseListener) OnSuccess(*Response)                       {}
func (BaseListener) OnFailure(*Response, error)                {}
func (BaseListener) OnComplete(*Result)                        {}
