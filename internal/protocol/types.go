package protocol

import (
	"math"
	"strconv"
	"strings"
)

// Status is the HTTP-style code that opens every response line.
type Status int

const (
	StatusOK         Status = 200
	StatusCreated    Status = 201
	StatusMalformed  Status = 203 // parsed, but not a valid event or service request
	StatusBadRequest Status = 400
)

func (s Status) String() string { return strconv.Itoa(int(s)) }

type Codec int

const (
	CodecJSON Codec = iota
	CodecMsgpack
)

func (c Codec) String() string {
	if c == CodecMsgpack {
		return "msgpack"
	}
	return "json"
}

// DetectCodec picks the codec from the first non-space byte of a stream.
// Anything that is not a msgpack map prefix is treated as JSON.
func DetectCodec(b byte) Codec {
	switch {
	case b >= 0x80 && b <= 0x8f, b == 0xde, b == 0xdf:
		return CodecMsgpack
	default:
		return CodecJSON
	}
}

// Kind classifies a decoded request.
type Kind int

const (
	KindMalformed Kind = iota
	KindUpsert
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindUpsert:
		return "upsert"
	case KindService:
		return "service"
	default:
		return "malformed"
	}
}

// Message is a classified request.
type Message struct {
	Kind Kind

	// KindUpsert
	ID       string
	Time     string
	Cmd      string
	Args     []any
	Priority *int

	// KindService: Cmd is the operation name.
	Attr    any
	HasAttr bool
}

// Classify maps a decoded request onto a Message.
//
// A missing or non-string type is a ProtocolError. An event carrying time,
// a non-empty cmd and non-empty args is an upsert, and must then also carry
// a non-empty string id and a string time. A service request needs a
// non-empty cmd. Anything else is KindMalformed.
func Classify(m map[string]any) (Message, error) {
	typ, ok := m["type"].(string)
	if !ok {
		return Message{}, fieldErr("type", "missing or not a string")
	}
	switch strings.TrimSpace(typ) {
	case "event":
		return classifyEvent(m)
	case "service":
		op, _ := m["cmd"].(string)
		if strings.TrimSpace(op) == "" {
			return Message{}, fieldErr("cmd", "service operation required")
		}
		attr, has := m["attr"]
		return Message{Kind: KindService, Cmd: strings.TrimSpace(op), Attr: attr, HasAttr: has}, nil
	default:
		return Message{Kind: KindMalformed}, nil
	}
}

func classifyEvent(m map[string]any) (Message, error) {
	rawTime, hasTime := m["time"]
	cmd, _ := m["cmd"].(string)
	args, _ := m["args"].([]any)
	if !hasTime || cmd == "" || len(args) == 0 {
		return Message{Kind: KindMalformed}, nil
	}

	id, _ := m["id"].(string)
	if strings.TrimSpace(id) == "" {
		return Message{}, fieldErr("id", "missing or not a string")
	}
	tm, ok := rawTime.(string)
	if !ok && rawTime != nil {
		return Message{}, fieldErr("time", "not a string")
	}
	msg := Message{Kind: KindUpsert, ID: id, Time: tm, Cmd: cmd, Args: args}
	if raw, has := m["priority"]; has && raw != nil {
		p, ok := ToInt(raw)
		if !ok {
			return Message{}, fieldErr("priority", "not an integer")
		}
		msg.Priority = &p
	}
	return msg, nil
}

// ToInt converts JSON and msgpack numbers to int. Non-integral floats and
// out-of-range values report false.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		if n > math.MaxInt || n < math.MinInt {
			return 0, false
		}
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int(f), true
}

// EventRequest builds an upsert request map.
func EventRequest(id, tm, cmd string, args []any, priority *int) map[string]any {
	if args == nil {
		args = []any{}
	}
	req := map[string]any{"type": "event", "id": id, "time": tm, "cmd": cmd, "args": args}
	if priority != nil {
		req["priority"] = *priority
	}
	return req
}

// ServiceRequest builds an introspection request map. A nil attr is omitted.
func ServiceRequest(op string, attr any) map[string]any {
	req := map[string]any{"type": "service", "cmd": op}
	if attr != nil {
		req["attr"] = attr
	}
	return req
}
