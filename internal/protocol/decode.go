package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Decoder reads successive requests from one connection.
type Decoder struct {
	lim *limitReader
	br  *bufio.Reader

	codec    Codec
	detected bool
	jd       *json.Decoder
	md       *msgpack.Decoder
}

// NewDecoder bounds every message to maxBytes (0 disables the bound). The
// bound counts bytes pulled from r while decoding one message, read-ahead
// included.
func NewDecoder(r io.Reader, maxBytes int) *Decoder {
	lim := &limitReader{r: r, max: int64(maxBytes)}
	return &Decoder{lim: lim, br: bufio.NewReader(lim)}
}

// Codec reports the connection codec. It is CodecJSON until the first
// message arrives.
func (d *Decoder) Codec() Codec { return d.codec }

// Next decodes the next request map. io.EOF means the peer closed cleanly
// between messages. Other errors wrap ErrDecode or ErrTooLarge and leave the
// stream unusable.
func (d *Decoder) Next() (map[string]any, error) {
	d.lim.reset()
	if !d.detected || d.codec == CodecMsgpack {
		b, err := d.skipSpace()
		if err != nil {
			return nil, err
		}
		if !d.detected {
			d.codec = DetectCodec(b)
			d.detected = true
		}
	}

	var m map[string]any
	var err error
	switch d.codec {
	case CodecMsgpack:
		if d.md == nil {
			d.md = msgpack.NewDecoder(d.br)
		}
		err = d.md.Decode(&m)
	default:
		// json.Decoder buffers on its own and skips whitespace itself.
		if d.jd == nil {
			d.jd = json.NewDecoder(d.br)
		}
		err = d.jd.Decode(&m)
	}
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, io.EOF), errors.Is(err, ErrTooLarge):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, d.codec, err)
	}
}

// Read decodes and classifies the next request. A decode failure returns
// (Message{}, err) wrapping ErrDecode; a ProtocolError still reports the
// map was consumed so the connection can keep serving.
func (d *Decoder) Read() (Message, error) {
	m, err := d.Next()
	if err != nil {
		return Message{}, err
	}
	return Classify(m)
}

// skipSpace discards ASCII whitespace and peeks the next byte. Whitespace
// bytes are never valid msgpack map prefixes, so this is safe between
// msgpack messages too.
func (d *Decoder) skipSpace() (byte, error) {
	for {
		b, err := d.br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := d.br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

// limitReader fails once more than max bytes were read since the last reset.
type limitReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (l *limitReader) reset() { l.n = 0 }

func (l *limitReader) Read(p []byte) (int, error) {
	if l.max > 0 {
		left := l.max - l.n
		if left <= 0 {
			return 0, ErrTooLarge
		}
		if int64(len(p)) > left {
			p = p[:left]
		}
	}
	n, err := l.r.Read(p)
	l.n += int64(n)
	return n, err
}
