// Package config loads and validates runtime configuration for the motion
// service.
//
// Configuration is layered: built-in defaults, then one or more JSON files
// merged in order, then MOTION_* environment variable overrides. Duration
// fields accept Go duration strings ("30s", "24h") in JSON.
//
//	loader := config.NewLoader()
//	loader.AddLayer("motion.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// The zero-value Loader with no layers yields a configuration that runs
// against the in-memory store, suitable for development and tests.
package config
