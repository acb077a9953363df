package protocol

import (
	"fmt"
	"io"
)

// Framing decides how inbound publisher bytes are split into records.
type Framing string

const (
	// FramingReceive treats every Read as exactly one record. The wire has
	// no delimiter, so this only holds while the peer writes one record per
	// send and the record fits in the receive buffer.
	FramingReceive Framing = "receive"
	// FramingStream splits the byte stream with the codec's own decoder,
	// relying on documents being self-delimiting.
	FramingStream Framing = "stream"
)

// ParseFraming validates a framing name.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case FramingReceive, "":
		return FramingReceive, nil
	case FramingStream:
		return FramingStream, nil
	default:
		return "", fmt.Errorf("unknown framing %q", s)
	}
}

// NewRecordReader returns a Decoder that yields inbound records from r
// according to framing. maxSize bounds a single receive; it is ignored by
// FramingStream.
func NewRecordReader(framing Framing, codec Codec, r io.Reader, maxSize int) Decoder {
	if framing == FramingStream {
		return codec.NewDecoder(r)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxRecordSize
	}
	return &receiveReader{r: r, buf: make([]byte, maxSize)}
}

type receiveReader struct {
	r       io.Reader
	buf     []byte
	pending error
}

func (rr *receiveReader) Next() ([]byte, error) {
	if rr.pending != nil {
		return nil, rr.pending
	}
	for {
		n, err := rr.r.Read(rr.buf)
		if n > 0 {
			// Hand out the data now and report err on the next call.
			rr.pending = err
			rec := make([]byte, n)
			copy(rec, rr.buf[:n])
			return rec, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
