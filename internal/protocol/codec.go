package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultMaxRecordSize is the receive buffer size used with FramingReceive.
const DefaultMaxRecordSize = 8192

var (
	// ErrParse means the bytes are not a single well-formed document object.
	ErrParse = errors.New("malformed record")
	// ErrMissingField means the document has no usable source.name.
	ErrMissingField = errors.New("record has no source.name")
)

// Codec encodes records and extracts their routing key.
type Codec interface {
	Name() string
	// Route returns the source.name of a single encoded document.
	Route(doc []byte) (string, error)
	Marshal(v any) ([]byte, error)
	Unmarshal(doc []byte, v any) error
	// NewDecoder splits a stream of concatenated documents.
	NewDecoder(r io.Reader) Decoder
}

// Decoder yields raw documents one at a time. It returns io.EOF once the
// underlying reader is exhausted.
type Decoder interface {
	Next() ([]byte, error)
}

// Codec names accepted by CodecByName.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case CodecJSON, "":
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// route pulls source.name out of a generically decoded document.
func route(doc map[string]any) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("%w: not an object", ErrParse)
	}
	source, ok := doc["source"].(map[string]any)
	if !ok {
		return "", ErrMissingField
	}
	name, ok := source["name"].(string)
	if !ok || name == "" {
		return "", ErrMissingField
	}
	return name, nil
}

// JSONCodec handles records serialized as JSON documents.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Route(doc []byte) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	return route(m)
}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(doc []byte, v any) error { return json.Unmarshal(doc, v) }

func (JSONCodec) NewDecoder(r io.Reader) Decoder {
	er := &errReader{r: r}
	return &jsonDecoder{src: er, dec: json.NewDecoder(er)}
}

type jsonDecoder struct {
	src *errReader
	dec *json.Decoder
}

func (d *jsonDecoder) Next() ([]byte, error) {
	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return nil, d.src.classify(err)
	}
	return raw, nil
}

// MsgpackCodec handles records serialized as msgpack maps.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return CodecMsgpack }

func (MsgpackCodec) Route(doc []byte) (string, error) {
	if len(doc) == 0 {
		return "", fmt.Errorf("%w: empty", ErrParse)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(doc))
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	// A receive that carried more than one document is not one record.
	if _, err := dec.PeekCode(); err == nil {
		return "", fmt.Errorf("%w: trailing data", ErrParse)
	}
	return route(m)
}

func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackCodec) Unmarshal(doc []byte, v any) error { return msgpack.Unmarshal(doc, v) }

func (MsgpackCodec) NewDecoder(r io.Reader) Decoder {
	er := &errReader{r: r}
	return &msgpackDecoder{src: er, dec: msgpack.NewDecoder(er)}
}

type msgpackDecoder struct {
	src *errReader
	dec *msgpack.Decoder
}

func (d *msgpackDecoder) Next() ([]byte, error) {
	raw, err := d.dec.DecodeRaw()
	if err != nil {
		return nil, d.src.classify(err)
	}
	return raw, nil
}

// errReader remembers the last error of the underlying reader so decode
// failures can be told apart from transport failures.
type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

// classify maps a decoder error to either the transport error that caused
// it or ErrParse. A document cut short by EOF counts as end of stream.
func (e *errReader) classify(err error) error {
	if e.err != nil {
		if errors.Is(e.err, io.EOF) {
			return io.EOF
		}
		return e.err
	}
	return fmt.Errorf("%w: %v", ErrParse, err)
}
