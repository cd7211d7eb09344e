// Package mcp holds the subset of Model Context Protocol vocabulary the
// gateway speaks when it acts as a client of back-end tool servers: method
// names, HTTP header names and the payloads of the initialize handshake and
// the tools methods.
//
// Tool definitions and call results are kept as raw JSON where possible. The
// gateway relays them between callers and back ends without interpreting
// their contents, so narrowing them to Go structs would only lose fields.
package mcp
