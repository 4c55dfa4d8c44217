// Package service wires the pairing subsystem together: the inbound
// protocol dispatcher that routes framed messages into the pairing state
// machine or the vouching session manager, and the Node facade that owns
// their lifecycles and periodic tasks.
//
// One stream serves many frames: the dispatcher loops, answering each
// request frame in place, until a Complete ends the exchange or the peer
// closes. Oversized frames and undecodable documents close the stream
// immediately; a handler error additionally fails the implicated pairing
// session.
package service
