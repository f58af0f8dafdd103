package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func intp(v int) *int { return &v }

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      map[string]any
		want    Message
		wantErr string
	}{
		{
			name: "upsert",
			in:   map[string]any{"type": "event", "id": "a", "time": "5 0 0", "cmd": "run", "args": []any{"x"}, "extra": true},
			want: Message{Kind: KindUpsert, ID: "a", Time: "5 0 0", Cmd: "run", Args: []any{"x"}},
		},
		{
			name: "upsert with priority",
			in:   map[string]any{"type": "event", "id": "a", "time": "", "cmd": "run", "args": []any{1.0}, "priority": 5.0},
			want: Message{Kind: KindUpsert, ID: "a", Time: "", Cmd: "run", Args: []any{1.0}, Priority: intp(5)},
		},
		{
			name: "null time cancels",
			in:   map[string]any{"type": "event", "id": "a", "time": nil, "cmd": "run", "args": []any{"x"}},
			want: Message{Kind: KindUpsert, ID: "a", Cmd: "run", Args: []any{"x"}},
		},
		{
			name: "service with attr",
			in:   map[string]any{"type": "service", "cmd": "start", "attr": "a"},
			want: Message{Kind: KindService, Cmd: "start", Attr: "a", HasAttr: true},
		},
		{
			name: "service without attr",
			in:   map[string]any{"type": "service", "cmd": "status"},
			want: Message{Kind: KindService, Cmd: "status"},
		},
		{name: "event missing args", in: map[string]any{"type": "event", "id": "a", "time": "5 0 0", "cmd": "run"}, want: Message{Kind: KindMalformed}},
		{name: "event empty args", in: map[string]any{"type": "event", "id": "a", "time": "5 0 0", "cmd": "run", "args": []any{}}, want: Message{Kind: KindMalformed}},
		{name: "event missing time", in: map[string]any{"type": "event", "id": "a", "cmd": "run", "args": []any{"x"}}, want: Message{Kind: KindMalformed}},
		{name: "event empty cmd", in: map[string]any{"type": "event", "id": "a", "time": "1 0 0", "cmd": "", "args": []any{"x"}}, want: Message{Kind: KindMalformed}},
		{name: "unknown type", in: map[string]any{"type": "ping"}, want: Message{Kind: KindMalformed}},
		{name: "missing type", in: map[string]any{"id": "a"}, wantErr: "type"},
		{name: "numeric type", in: map[string]any{"type": 1.0}, wantErr: "type"},
		{name: "nil map", in: nil, wantErr: "type"},
		{name: "missing id", in: map[string]any{"type": "event", "time": "5 0 0", "cmd": "run", "args": []any{"x"}}, wantErr: "id"},
		{name: "numeric time", in: map[string]any{"type": "event", "id": "a", "time": 5.0, "cmd": "run", "args": []any{"x"}}, wantErr: "time"},
		{name: "fractional priority", in: map[string]any{"type": "event", "id": "a", "time": "5 0 0", "cmd": "run", "args": []any{"x"}, "priority": 1.5}, wantErr: "priority"},
		{name: "service without op", in: map[string]any{"type": "service"}, wantErr: "cmd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Classify(tc.in)
			if tc.wantErr != "" {
				var pe *Error
				if !errors.As(err, &pe) || pe.Field != tc.wantErr || !errors.Is(err, ErrProtocol) {
					t.Fatalf("err = %v, want protocol error on %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestToInt(t *testing.T) {
	t.Parallel()
	ok := []any{int(3), int8(3), int16(3), int32(3), int64(3), uint8(3), uint16(3), uint32(3), uint64(3), float32(3), 3.0, " 3 "}
	for _, v := range ok {
		if n, good := ToInt(v); !good || n != 3 {
			t.Errorf("ToInt(%T %v) = %d, %v", v, v, n, good)
		}
	}
	for _, v := range []any{3.5, "x", nil, true, uint64(1 << 63)} {
		if _, good := ToInt(v); good {
			t.Errorf("ToInt(%T %v) accepted", v, v)
		}
	}
}

func TestDetectCodec(t *testing.T) {
	t.Parallel()
	for b, want := range map[byte]Codec{'{': CodecJSON, '[': CodecJSON, 0x81: CodecMsgpack, 0x8f: CodecMsgpack, 0xde: CodecMsgpack, 0xdf: CodecMsgpack, 0x90: CodecJSON} {
		if got := DetectCodec(b); got != want {
			t.Errorf("DetectCodec(%#x) = %s, want %s", b, got, want)
		}
	}
}

func TestDecoderJSONStream(t *testing.T) {
	t.Parallel()
	in := "  {\"type\":\"service\",\"cmd\":\"status\"}\n{\"type\":\"event\",\"id\":\"a\",\"time\":\"5 0 0\",\"cmd\":\"c\",\"args\":[1]}"
	d := NewDecoder(strings.NewReader(in), 1024)

	m, err := d.Read()
	if err != nil || m.Kind != KindService || m.Cmd != "status" {
		t.Fatalf("first = %+v, %v", m, err)
	}
	if d.Codec() != CodecJSON {
		t.Fatalf("codec = %s", d.Codec())
	}
	m, err = d.Read()
	if err != nil || m.Kind != KindUpsert || m.ID != "a" {
		t.Fatalf("second = %+v, %v", m, err)
	}
	if _, err := d.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("third err = %v, want EOF", err)
	}
}

func TestDecoderMsgpackStream(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	for _, req := range []map[string]any{
		EventRequest("a", "5 0 0", "c", []any{"x", 2}, intp(7)),
		ServiceRequest("get", "a"),
	} {
		b, err := EncodeRequest(CodecMsgpack, req)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(b)
		buf.WriteByte('\n') // tolerated between msgpack messages
	}
	d := NewDecoder(&buf, 1024)

	m, err := d.Read()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if d.Codec() != CodecMsgpack {
		t.Fatalf("codec = %s", d.Codec())
	}
	if m.Kind != KindUpsert || m.ID != "a" || m.Priority == nil || *m.Priority != 7 || len(m.Args) != 2 {
		t.Fatalf("first = %+v", m)
	}
	m, err = d.Read()
	if err != nil || m.Kind != KindService || m.Attr != "a" {
		t.Fatalf("second = %+v, %v", m, err)
	}
	if _, err := d.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("third err = %v, want EOF", err)
	}
}

func TestDecoderErrors(t *testing.T) {
	t.Parallel()
	if _, err := NewDecoder(strings.NewReader("not json"), 1024).Next(); !errors.Is(err, ErrDecode) {
		t.Fatalf("garbage err = %v, want ErrDecode", err)
	}
	if _, err := NewDecoder(strings.NewReader(`["a"]`), 1024).Next(); !errors.Is(err, ErrDecode) {
		t.Fatalf("array err = %v, want ErrDecode", err)
	}
	big := `{"type":"event","pad":"` + strings.Repeat("x", 200) + `"}`
	if _, err := NewDecoder(strings.NewReader(big), 64).Next(); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("big err = %v, want ErrTooLarge", err)
	}
	if _, err := NewDecoder(strings.NewReader(big), 0).Next(); err != nil {
		t.Fatalf("unbounded err = %v", err)
	}
	// A ProtocolError does not poison the stream.
	d := NewDecoder(strings.NewReader(`{"id":"x"} {"type":"service","cmd":"stats"}`), 1024)
	if _, err := d.Read(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	if m, err := d.Read(); err != nil || m.Cmd != "stats" {
		t.Fatalf("after protocol error = %+v, %v", m, err)
	}
}

func TestResponseRoundTripJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteResponse(&buf, CodecJSON, StatusCreated, "conn-1a2b3c4d", "ev1"); err != nil {
		t.Fatal(err)
	}
	if err := WriteResponse(&buf, CodecJSON, StatusMalformed, "conn-1a2b3c4d", nil); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "201-conn-1a2b3c4d: \"ev1\"\n203-conn-1a2b3c4d: \n"; got != want {
		t.Fatalf("wire = %q, want %q", got, want)
	}

	br := bufio.NewReader(&buf)
	r, err := ReadResponse(br, CodecJSON)
	if err != nil {
		t.Fatal(err)
	}
	var id string
	if err := r.Decode(&id); err != nil || id != "ev1" || r.Status != StatusCreated || r.Worker != "conn-1a2b3c4d" {
		t.Fatalf("response = %+v id=%q err=%v", r, id, err)
	}
	r, err = ReadResponse(br, CodecJSON)
	if err != nil || r.Status != StatusMalformed || len(r.Body) != 0 {
		t.Fatalf("203 response = %+v, %v", r, err)
	}
}

func TestResponseRoundTripMsgpack(t *testing.T) {
	t.Parallel()
	type pending struct {
		ID  string `msgpack:"id"`
		Seq uint64 `msgpack:"seq"`
	}
	// 0x0a inside the body must not end the line.
	body := []pending{{ID: "a\nb", Seq: 10}}
	var buf bytes.Buffer
	if err := WriteResponse(&buf, CodecMsgpack, StatusOK, "conn-x", body); err != nil {
		t.Fatal(err)
	}
	if err := WriteResponse(&buf, CodecMsgpack, StatusBadRequest, "conn-x", "protocol: type: missing"); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(&buf)
	r, err := ReadResponse(br, CodecMsgpack)
	if err != nil {
		t.Fatal(err)
	}
	var got []pending
	if err := r.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(body, got); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
	r, err = ReadResponse(br, CodecMsgpack)
	if err != nil {
		t.Fatal(err)
	}
	if r.Err() == nil || r.Err().Error() != "protocol: type: missing" {
		t.Fatalf("Err() = %v", r.Err())
	}
}

func TestReadResponseMalformed(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"garbage\n", "abc-w: 1\n", "200-w:x\n"} {
		if _, err := ReadResponse(bufio.NewReader(strings.NewReader(in)), CodecJSON); err == nil {
			t.Errorf("ReadResponse(%q) accepted", in)
		}
	}
}
