package action

import (
	"context"
	"fmt"
	"strings"

	logx "schedd/pkg/logx"
)

// Log writes every fire as an info line.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log { return &Log{log: log} }

func (l *Log) Run(_ context.Context, f Fire) error {
	l.log.Info("Command: "+FormatCommand(f.Command, f.Args),
		logx.String("event_id", f.EventID),
		logx.Time("scheduled_at", f.ScheduledAt),
		logx.Uint64("seq", f.Seq),
	)
	return nil
}

// FormatCommand renders cmd followed by its space-separated args.
func FormatCommand(cmd string, args []any) string {
	var b strings.Builder
	b.WriteString(cmd)
	for _, a := range args {
		b.WriteByte(' ')
		fmt.Fprint(&b, a)
	}
	return b.String()
}
