// Package envelope defines the immutable event envelope, its JSON wire
// format, and the append-only schema registry used to validate payloads.
//
// Envelopes are data, not behavior: consumers select a deserializer from the
// explicit event_type and schema_version fields, and must ignore unknown
// fields added by newer minor schema versions.
package envelope
