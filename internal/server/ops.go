package server

import (
	"errors"
	"fmt"
	"strings"

	"schedd/internal/protocol"
	"schedd/internal/scheduler"
)

var (
	ErrUnknownOp = errors.New("unknown service operation")
	errNeedID    = errors.New("attr must be an event id")
)

const defaultHistoryLimit = 50

type opFunc func(msg protocol.Message) (any, error)

// newOps lists every operation a client may name. Names outside this map
// are rejected.
func (s *Server) newOps() map[string]opFunc {
	return map[string]opFunc{
		"status":  s.opStatus,
		"start":   s.opStart,
		"get":     s.opGet,
		"events":  s.opEvents,
		"history": s.opHistory,
		"stats":   s.opStats,
	}
}

// Ops returns the allowed operation names.
func (s *Server) Ops() []string {
	out := make([]string, 0, len(s.ops))
	for name := range s.ops {
		out = append(out, name)
	}
	return out
}

func (s *Server) opStatus(protocol.Message) (any, error) {
	return s.sched.Pending(), nil
}

// opStart acknowledges the start of an event.
func (s *Server) opStart(msg protocol.Message) (any, error) {
	id, err := attrID(msg)
	if err != nil {
		return nil, err
	}
	if !s.sched.Ack(id) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrUnknownEvent, id)
	}
	return int(protocol.StatusOK), nil
}

func (s *Server) opGet(msg protocol.Message) (any, error) {
	id, err := attrID(msg)
	if err != nil {
		return nil, err
	}
	info, ok := s.sched.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrUnknownEvent, id)
	}
	return info, nil
}

func (s *Server) opEvents(protocol.Message) (any, error) {
	return s.sched.Events(), nil
}

func (s *Server) opHistory(msg protocol.Message) (any, error) {
	limit := defaultHistoryLimit
	if msg.HasAttr && msg.Attr != nil {
		n, ok := protocol.ToInt(msg.Attr)
		if !ok || n < 0 {
			return nil, errors.New("attr must be a non-negative history limit")
		}
		limit = n
	}
	return s.sched.History(limit), nil
}

type statsReply struct {
	Scheduler scheduler.Stats `json:"scheduler" msgpack:"scheduler"`
	Server    Stats           `json:"server" msgpack:"server"`
}

func (s *Server) opStats(protocol.Message) (any, error) {
	return statsReply{Scheduler: s.sched.Stats(), Server: s.Stats()}, nil
}

func attrID(msg protocol.Message) (string, error) {
	id, ok := msg.Attr.(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", errNeedID
	}
	return id, nil
}
