package config

import (
	"sort"
	"strings"

	logx "schedd/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Secrets (redis password, pprof token) are
// only reported as "set / not set".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	o, n := oldCfg.Server, newCfg.Server
	if strings.TrimSpace(o.Host) != strings.TrimSpace(n.Host) || o.Port != n.Port ||
		o.MaxConns != n.MaxConns || o.MaxMessageBytes != n.MaxMessageBytes ||
		strings.TrimSpace(o.ReadTimeout) != strings.TrimSpace(n.ReadTimeout) ||
		strings.TrimSpace(o.WriteTimeout) != strings.TrimSpace(n.WriteTimeout) ||
		o.AcceptRate != n.AcceptRate || o.AcceptBurst != n.AcceptBurst {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.host", strings.TrimSpace(n.Host)),
			logx.Int("server.port", n.Port),
			logx.Int("server.max_conns", n.MaxConns),
			logx.Any("server.accept_rate", n.AcceptRate),
		)
	}

	if oldCfg.Runner != newCfg.Runner {
		r := newCfg.Runner
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Int("runner.workers", r.Workers),
			logx.Int("runner.queue_size", r.QueueSize),
			logx.String("runner.poll_interval", strings.TrimSpace(r.PollInterval)),
			logx.String("runner.action_timeout", strings.TrimSpace(r.ActionTimeout)),
			logx.Int("runner.history_size", r.HistorySize),
		)
	}

	or, nr := oldCfg.Registry, newCfg.Registry
	if intPtr(or.DefaultPriority) != intPtr(nr.DefaultPriority) || or.MaxEvents != nr.MaxEvents ||
		strings.TrimSpace(or.Retention) != strings.TrimSpace(nr.Retention) ||
		strings.TrimSpace(or.Sweep) != strings.TrimSpace(nr.Sweep) {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.Int("registry.max_events", nr.MaxEvents),
			logx.String("registry.retention", strings.TrimSpace(nr.Retention)),
			logx.String("registry.sweep", strings.TrimSpace(nr.Sweep)),
		)
	}

	oa, na := oldCfg.Actions, newCfg.Actions
	if boolPtr(oa.Log, true) != boolPtr(na.Log, true) ||
		oa.Redis.Enabled != na.Redis.Enabled ||
		strings.TrimSpace(oa.Redis.Addr) != strings.TrimSpace(na.Redis.Addr) ||
		oa.Redis.DB != na.Redis.DB ||
		strings.TrimSpace(oa.Redis.Stream) != strings.TrimSpace(na.Redis.Stream) ||
		oa.Redis.MaxLen != na.Redis.MaxLen ||
		oa.Redis.Password != na.Redis.Password {
		changed = append(changed, "actions")
		attrs = append(attrs,
			logx.Bool("actions.log", boolPtr(na.Log, true)),
			logx.Bool("actions.redis.enabled", na.Redis.Enabled),
			logx.String("actions.redis.stream", strings.TrimSpace(na.Redis.Stream)),
			logx.Bool("actions.redis.password_set", na.Redis.Password != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.String("logging.format", l.Format),
			logx.Bool("logging.file_enabled", l.File.Enabled),
		)
	}

	op, np := oldCfg.Pprof, newCfg.Pprof
	if op.Enabled != np.Enabled ||
		strings.TrimSpace(op.Addr) != strings.TrimSpace(np.Addr) ||
		strings.TrimSpace(op.Prefix) != strings.TrimSpace(np.Prefix) ||
		op.AllowInsecure != np.AllowInsecure ||
		strings.TrimSpace(op.ReadTimeout) != strings.TrimSpace(np.ReadTimeout) ||
		strings.TrimSpace(op.WriteTimeout) != strings.TrimSpace(np.WriteTimeout) ||
		strings.TrimSpace(op.IdleTimeout) != strings.TrimSpace(np.IdleTimeout) ||
		(strings.TrimSpace(op.Token) != "") != (strings.TrimSpace(np.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(np.Token) != ""),
		)
	}

	if oldCfg.Supervisor != newCfg.Supervisor {
		changed = append(changed, "supervisor")
		attrs = append(attrs,
			logx.String("supervisor.min_backoff", strings.TrimSpace(newCfg.Supervisor.MinBackoff)),
			logx.String("supervisor.max_backoff", strings.TrimSpace(newCfg.Supervisor.MaxBackoff)),
		)
	}

	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// HasSection reports whether name is in a SummarizeConfigChange result.
func HasSection(sections []string, name string) bool {
	i := sort.SearchStrings(sections, name)
	return i < len(sections) && sections[i] == name
}

func intPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolPtr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
