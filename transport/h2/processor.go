package h2

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/inflow-io/inflow/consts"
)

type GoAwayError struct {
	Code         http2.ErrCode
	LastStreamID uint32
	DebugData    []byte
}

func (e GoAwayError) Error() string {
	return "go away (" + e.Code.String() + "): " + string(e.DebugData)
}

type RSTStreamError struct {
	Code http2.ErrCode
}

func (e RSTStreamError) Error() string {
	return "rst stream: " + e.Code.String()
}

type frameTypeProcessor interface {
	process(header frameHeader, payload []byte, incomplete bool) error
}

// processor splits read buffers into frames and dispatches each to the
// handler for its frame type.
type processor struct {
	framer        *framer
	subprocessors []frameTypeProcessor
}

func newProcessor(c *Conn) *processor {
	headers := newHeadersProcessor(c.streams)
	return &processor{new(framer), []frameTypeProcessor{
		http2.FrameData:         newDataProcessor(c.sendControl, c.streams),
		http2.FrameHeaders:      headers,
		http2.FrameRSTStream:    newRSTStreamProcessor(c.streams),
		http2.FramePing:         newPingProcessor(c.sendControl),
		http2.FrameGoAway:       newGoAwayProcessor(),
		http2.FrameContinuation: headers,
	}}
}

func (p *processor) run(ch <-chan []byte) error {
	for b := range ch {
		if err := p.process(b); err != nil {
			return err
		}
	}
	return nil
}

func (p *processor) process(buf []byte) error {
	p.framer.fill(buf)
	for {
		b, status := p.framer.next()
		if status == statusHeaderIncomplete {
			return nil
		}

		header := p.framer.frameHeader()
		// we never raise SETTINGS_MAX_FRAME_SIZE, so anything larger is a
		// protocol violation
		if header.length() > consts.DefaultMaxFrameSize {
			return fmt.Errorf("frame exceeds max frame size: %s", header)
		}
		if t := header.typ(); int(t) < len(p.subprocessors) {
			if sp := p.subprocessors[t]; sp != nil {
				if err := sp.process(header, b, status == statusPayloadIncomplete); err != nil {
					return err
				}
			}
		}

		if status == statusFrameDone {
			continue
		}
		return nil
	}
}

// pingProcessor answers peer pings. Acks go through the connection's
// non-blocking control path so a stalled writer never stalls the frame
// loop.
type pingProcessor struct {
	send    func([]byte)
	payload []byte
}

func newPingProcessor(send func([]byte)) *pingProcessor {
	return &pingProcessor{send: send}
}

func (p *pingProcessor) process(header frameHeader, payload []byte, incomplete bool) error {
	if header.flags().Has(http2.FlagPingAck) {
		return nil
	}
	p.payload = append(p.payload, payload...)
	if incomplete {
		return nil
	}
	ack := make([]byte, 9, 9+len(p.payload))
	frameHeader(ack).fill(len(p.payload), http2.FramePing, http2.FlagPingAck, 0)
	ack = append(ack, p.payload...)
	p.payload = p.payload[:0]
	p.send(ack)
	return nil
}

// windowUpdateMinValue is the consumed-byte threshold before the inbound
// connection window is replenished: a quarter of the initial window.
const windowUpdateMinValue = consts.DefaultInitialWindowSize / 4

type dataProcessor struct {
	send    func([]byte)
	streams *streamMap

	windowUpdateAcc int
}

func newDataProcessor(send func([]byte), streams *streamMap) *dataProcessor {
	return &dataProcessor{send: send, streams: streams}
}

func (p *dataProcessor) process(header frameHeader, payload []byte, incomplete bool) error {
	s := p.streams.get(header.streamID())
	last := !incomplete && header.flags().Has(http2.FlagDataEndStream)
	if s != nil {
		s.pushData(payload, last)
	}
	if incomplete {
		return nil
	}

	p.windowUpdateAcc += header.length()
	if p.windowUpdateAcc >= windowUpdateMinValue {
		update := make([]byte, 9+4)
		frameHeader(update).fill(4, http2.FrameWindowUpdate, 0, 0)
		update[9] = byte(p.windowUpdateAcc >> 24)
		update[10] = byte(p.windowUpdateAcc >> 16)
		update[11] = byte(p.windowUpdateAcc >> 8)
		update[12] = byte(p.windowUpdateAcc)
		p.send(update)
		p.windowUpdateAcc = 0
	}

	if last && s != nil {
		s.endStream()
		p.streams.delete(header.streamID())
	}
	return nil
}

type headersProcessor struct {
	streams      *streamMap
	hpackDecoder *hpack.Decoder
	current      *Stream
}

func newHeadersProcessor(streams *streamMap) *headersProcessor {
	p := &headersProcessor{streams: streams}
	p.hpackDecoder = hpack.NewDecoder(4096, p.onHeader)
	return p
}

func (p *headersProcessor) onHeader(f hpack.HeaderField) {
	s := p.current
	if s == nil {
		return
	}
	if strings.HasPrefix(f.Name, ":") {
		s.onPseudoHeader(f.Name, f.Value)
		return
	}
	s.onHeaderField(f.Name, f.Value)
}

func (p *headersProcessor) process(header frameHeader, payload []byte, incomplete bool) error {
	streamID := header.streamID()
	s := p.streams.get(streamID)
	p.current = s
	p.hpackDecoder.SetEmitEnabled(s != nil)

	if _, err := p.hpackDecoder.Write(payload); err != nil {
		return fmt.Errorf("hpack decoding: %w", err)
	}
	if incomplete || s == nil {
		return nil
	}

	endStream := header.flags().Has(http2.FlagHeadersEndStream)
	if header.flags().Has(http2.FlagHeadersEndHeaders) {
		s.endHeaderBlock()
	}
	if endStream {
		s.endStream()
		p.streams.delete(streamID)
	}
	return nil
}

type rstStreamProcessor struct {
	streams *streamMap
	errCode uint32
}

func newRSTStreamProcessor(streams *streamMap) *rstStreamProcessor {
	return &rstStreamProcessor{streams: streams}
}

func (p *rstStreamProcessor) process(header frameHeader, payload []byte, incomplete bool) error {
	for _, b := range payload {
		p.errCode = (p.errCode << 8) | uint32(b)
	}
	if incomplete {
		return nil
	}

	errCode := http2.ErrCode(p.errCode)
	p.errCode = 0

	if s := p.streams.getAndDelete(header.streamID()); s != nil {
		s.fail(RSTStreamError{errCode})
	}
	return nil
}

type goAwayProcessor struct {
	errCode      uint32
	lastStreamID uint32
	debugData    []byte
	index        int
}

func newGoAwayProcessor() *goAwayProcessor { return &goAwayProcessor{} }

func (p *goAwayProcessor) process(_ frameHeader, payload []byte, incomplete bool) error {
	maxIndex := p.index + len(payload)
	for ; p.index < min(4, maxIndex); p.index++ {
		p.lastStreamID = (p.lastStreamID << 8) | uint32(payload[0])
		payload = payload[1:]
	}
	for ; p.index < min(8, maxIndex); p.index++ {
		p.errCode = (p.errCode << 8) | uint32(payload[0])
		payload = payload[1:]
	}
	p.debugData = append(p.debugData, payload...)

	if incomplete {
		return nil
	}

	err := GoAwayError{
		Code:         http2.ErrCode(p.errCode),
		LastStreamID: p.lastStreamID,
		DebugData:    bytes.Clone(p.debugData),
	}
	p.errCode = 0
	p.lastStreamID = 0
	p.debugData = p.debugData[:0]
	p.index = 0
	return err
}
