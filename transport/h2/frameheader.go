package h2

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/net/http2"
)

// frameHeader is a view over the 9 fixed octets of an HTTP/2 frame header.
type frameHeader []byte

func newFrameHeader() frameHeader { return make([]byte, 9) }

func (f frameHeader) fill(length int, t http2.FrameType, flags http2.Flags, streamID uint32) {
	_ = f[8]
	f[0] = byte(length >> 16)
	f[1] = byte(length >> 8)
	f[2] = byte(length)
	f[3] = byte(t)
	f[4] = byte(flags)
	f[5] = byte(streamID >> 24)
	f[6] = byte(streamID >> 16)
	f[7] = byte(streamID >> 8)
	f[8] = byte(streamID)
}

func (f frameHeader) length() int {
	_ = f[2]
	return int(f[0])<<16 | int(f[1])<<8 | int(f[2])
}

func (f frameHeader) typ() http2.FrameType { return http2.FrameType(f[3]) }

func (f frameHeader) flags() http2.Flags { return http2.Flags(f[4]) }

func (f frameHeader) streamID() uint32 { return binary.BigEndian.Uint32(f[5:]) }

func (f frameHeader) String() string {
	return f.typ().String() +
		"/ length=" + strconv.Itoa(f.length()) +
		"/ streamID=" + strconv.FormatUint(uint64(f.streamID()), 10) +
		"/ flags=" + fmt.Sprintf("%o", f.flags())
}
