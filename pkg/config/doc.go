// Package config loads the daemon's YAML configuration on top of the
// documented defaults. Duration knobs are stored in the unit their name
// carries and exposed through typed helpers.
package config
