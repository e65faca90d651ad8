// Package eventstore contains the append-only event log contract used by the
// event-sourced aggregates, so that different persistence layers can be implemented.
//
// Implementations of Store must:
//   - return events ordered by ascending version from ReadStream
//   - return an empty slice (not an error) when a stream does not exist
//   - return ErrVersionConflict from AppendToStream when the expected version
//     does not match the stream's current version
package eventstore
