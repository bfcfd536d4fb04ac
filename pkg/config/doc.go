// Package config loads the build node's YAML configuration file and
// resolves the master JWT out of the node's credentials file. CLI flag
// values are overlaid on the loaded Config by cmd/buildnode.
package config
