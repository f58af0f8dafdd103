// Package logx is schedd's structured logging layer on top of zerolog.
//
// Components receive a Logger value and derive their own with With(Comp(..)).
// Loggers taken from a Service follow its sinks and level across Apply, so a
// config reload reaches every component without re-plumbing.
package logx
