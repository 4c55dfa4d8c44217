// Package log provides structured protocol logging for the pairing
// subsystem.
//
// Components emit typed Events through the Logger interface; applications
// decide what to do with them: discard (NoopLogger), render for humans
// (SlogAdapter), persist as a CBOR capture file (FileLogger), or fan out
// (MultiLogger). Logging is fire-and-forget and must never block protocol
// progress.
package log
