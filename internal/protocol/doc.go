// Package protocol implements the schedd wire format.
//
// A request is one structured map, either a JSON object or a msgpack map.
// The codec is chosen from the first non-space byte a connection sends and
// stays fixed for that connection. Recognized fields:
//
//	type      "event" or "service"
//	id        event identifier
//	time      time spec ("HH:MM" or "SS MM HH"); "" cancels
//	cmd       command (event) or operation name (service)
//	args      non-empty sequence, opaque to the scheduler
//	priority  optional integer tie-break
//	attr      optional service argument
//
// Unknown fields are ignored. Every request gets one response line:
//
//	<status>-<worker>: <body>\n
//
// The body uses the request codec. JSON bodies never contain a raw newline,
// and a JSON 203 reply has an empty body. Msgpack bodies are always exactly
// one msgpack value (nil for 203), so a reader decodes the value and then
// consumes the trailing newline.
package protocol
