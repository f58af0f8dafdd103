package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v with codec c.
func Marshal(c Codec, v any) ([]byte, error) {
	if c == CodecMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// Unmarshal decodes data with codec c.
func Unmarshal(c Codec, data []byte, v any) error {
	if c == CodecMsgpack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// EncodeRequest encodes one request. JSON requests end with a newline so
// line-oriented tools can talk to the server.
func EncodeRequest(c Codec, req map[string]any) ([]byte, error) {
	b, err := Marshal(c, req)
	if err != nil {
		return nil, err
	}
	if c == CodecJSON {
		b = append(b, '\n')
	}
	return b, nil
}

// AppendResponse appends one response line to dst. A nil body is empty for
// JSON and msgpack nil otherwise.
func AppendResponse(dst []byte, c Codec, status Status, worker string, body any) ([]byte, error) {
	var enc []byte
	if body != nil || c == CodecMsgpack {
		var err error
		if enc, err = Marshal(c, body); err != nil {
			return dst, fmt.Errorf("encode %s body: %w", c, err)
		}
	}
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, '-')
	dst = append(dst, worker...)
	dst = append(dst, ':', ' ')
	dst = append(dst, enc...)
	return append(dst, '\n'), nil
}

// WriteResponse writes one response line to w.
func WriteResponse(w io.Writer, c Codec, status Status, worker string, body any) error {
	line, err := AppendResponse(nil, c, status, worker, body)
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}

// Response is a parsed response line.
type Response struct {
	Status Status
	Worker string
	Codec  Codec
	// Body holds the raw encoded body without the trailing newline.
	Body []byte
}

// Decode unmarshals the body into v. An empty JSON body leaves v untouched.
func (r Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return Unmarshal(r.Codec, r.Body, v)
}

// Err returns the body of a 400 reply as an error, or nil for other statuses.
func (r Response) Err() error {
	if r.Status != StatusBadRequest {
		return nil
	}
	var msg string
	if err := r.Decode(&msg); err != nil || msg == "" {
		msg = "bad request"
	}
	return errors.New(msg)
}

// ReadResponse reads one response line encoded with codec c.
func ReadResponse(br *bufio.Reader, c Codec) (Response, error) {
	head, err := br.ReadString(':')
	if err != nil {
		return Response{}, err
	}
	head = strings.TrimSuffix(strings.TrimLeft(head, " \r\n"), ":")
	code, worker, ok := strings.Cut(head, "-")
	if !ok {
		return Response{}, fmt.Errorf("malformed response header %q", head)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return Response{}, fmt.Errorf("malformed response status %q", code)
	}
	if b, err := br.ReadByte(); err != nil {
		return Response{}, err
	} else if b != ' ' {
		return Response{}, fmt.Errorf("malformed response: expected space after header, got %q", b)
	}

	resp := Response{Status: Status(n), Worker: worker, Codec: c}
	if c == CodecMsgpack {
		raw, err := msgpack.NewDecoder(br).DecodeRaw()
		if err != nil {
			return Response{}, fmt.Errorf("decode msgpack body: %w", err)
		}
		resp.Body = raw
		if b, err := br.ReadByte(); err != nil {
			return Response{}, err
		} else if b != '\n' {
			return Response{}, fmt.Errorf("malformed response: missing newline after body")
		}
		return resp, nil
	}

	line, err := br.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return Response{}, err
	}
	resp.Body = bytes.TrimRight(line, "\r\n")
	return resp, nil
}
