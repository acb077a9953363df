package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestJSONRoute(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    string
		wantErr error
	}{
		{"ok", `{"source":{"id":"bbc-news","name":"BBC"},"title":"t"}`, "BBC", nil},
		{"trailing newline", "{\"source\":{\"name\":\"CNN\"}}\n", "CNN", nil},
		{"no source", `{"title":"t"}`, "", ErrMissingField},
		{"no name", `{"source":{"id":"x"}}`, "", ErrMissingField},
		{"empty name", `{"source":{"name":""}}`, "", ErrMissingField},
		{"name not string", `{"source":{"name":7}}`, "", ErrMissingField},
		{"source not object", `{"source":"BBC"}`, "", ErrMissingField},
		{"array", `[1,2]`, "", ErrParse},
		{"null", `null`, "", ErrParse},
		{"garbage", `{"source":`, "", ErrParse},
		{"two documents", `{"source":{"name":"BBC"}}{"source":{"name":"CNN"}}`, "", ErrParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JSONCodec{}.Route([]byte(tt.doc))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMsgpackRoute(t *testing.T) {
	codec := MsgpackCodec{}

	doc, err := codec.Marshal(Article{Source: Source{Name: "Reuters"}, Title: "t"})
	require.NoError(t, err)
	got, err := codec.Route(doc)
	require.NoError(t, err)
	assert.Equal(t, "Reuters", got)

	noSource, err := msgpack.Marshal(map[string]any{"title": "t"})
	require.NoError(t, err)
	_, err = codec.Route(noSource)
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = codec.Route([]byte{0xc1})
	assert.ErrorIs(t, err, ErrParse)

	_, err = codec.Route(nil)
	assert.ErrorIs(t, err, ErrParse)

	_, err = codec.Route(append(append([]byte{}, doc...), doc...))
	assert.ErrorIs(t, err, ErrParse)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("json")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())

	c, err = CodecByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, CodecMsgpack, c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}

func TestStreamDecoderConcatenated(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			for _, name := range []string{"BBC", "CNN", "Reuters"} {
				doc, err := codec.Marshal(Article{Source: Source{Name: name}})
				require.NoError(t, err)
				buf.Write(doc)
			}

			dec := codec.NewDecoder(&buf)
			var got []string
			for {
				doc, err := dec.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				require.NoError(t, err)
				name, err := codec.Route(doc)
				require.NoError(t, err)
				got = append(got, name)
			}
			assert.Equal(t, []string{"BBC", "CNN", "Reuters"}, got)
		})
	}
}

func TestStreamDecoderSyntaxError(t *testing.T) {
	dec := JSONCodec{}.NewDecoder(bytes.NewBufferString(`{"source":{"name":"BBC"}} ]`))
	_, err := dec.Next()
	require.NoError(t, err)
	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrParse)
}

func TestStreamDecoderTransportError(t *testing.T) {
	server, client := net.Pipe()
	client.Close()

	_, err := JSONCodec{}.NewDecoder(server).Next()
	assert.NotErrorIs(t, err, ErrParse)
	assert.Error(t, err)
}
