// Package wire defines the pairing protocol messages and their JSON
// encoding.
//
// Every message is a JSON document tagged by variant name:
//
//	{"Challenge": {"session_id": "...", "challenge": "...", "device_info": {...}}}
//
// Byte-array fields use base64 (encoding/json default); timestamps are
// RFC-3339 UTC. Framing (length prefix, size cap) lives in pkg/transport.
package wire
