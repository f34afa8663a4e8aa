// Package component defines incrementally-updated components: named
// definitions pairing read-only serve routes with state-mutating update
// routes under shared flow keys, the immutable parameter store handed to
// flow bodies, and the process-wide definition registry used by the HTTP
// service and CLI to resolve components by name.
package component
