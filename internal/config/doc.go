// Package config handles configuration loading for the chatcube
// gateway and update dispatch processes.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHATCUBE_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/chatcube/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	telegram:
//	  api_hash: "${CHATCUBE_API_HASH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	timeouts:
//	  call: "30s"
//	  stale_update: "5m"
package config
