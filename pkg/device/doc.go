// Package device defines the device model shared across the pairing
// subsystem: device descriptions, symmetric session keys, trust levels, and
// the registry contract the pairing and vouching components consume.
//
// The registry itself is an external collaborator; this package specifies
// its interface and ships an in-memory implementation used by tests and the
// demo CLI.
package device
