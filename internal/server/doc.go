// Package server is the schedd command server: a TCP listener that serves
// each connection on its own goroutine and translates protocol requests into
// scheduler calls.
//
// Connections are bounded by a semaphore taken before Accept, and accepts can
// be rate limited. A connection may send several requests; it is closed on
// EOF, read timeout, or a request that cannot be decoded.
package server
