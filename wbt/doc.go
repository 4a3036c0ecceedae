// Package wbt layers a length-prefixed, bencoded request/response
// protocol over a single wyvern stream.
//
// Each wire message is an ASCII decimal length, a colon, then a
// bencode list: a one-byte type tag ("C" command, "R" reply,
// "E" error), an integer request id, for commands an endpoint name,
// and the body as a byte string.
//
// A [RequestStream] matches replies to outstanding requests by id,
// dispatches commands to registered handlers, and times out requests
// that never hear back. Malformed input closes the stream with
// [CodeParserException].
package wbt
