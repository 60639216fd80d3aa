// Package signaling is the relay's WebSocket surface and dispatch loop.
//
// Each socket gets a reader goroutine feeding the Hub and a writer goroutine
// draining a bounded send queue. All routing happens on the Hub's single
// goroutine.
package signaling
