// Package config holds the proxy pairing configuration and the timing knobs
// of the pairing state machine, loadable from YAML.
package config
