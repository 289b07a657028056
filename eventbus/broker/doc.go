// Package broker defines the transport contract between the publisher and
// consumer sides of the bus.
//
// A Client sends envelopes to named topics and opens subscription streams.
// Implementations classify backend failures into exactly two categories:
// ErrUnavailable for transient faults worth retrying and ErrRejected for
// permanent refusals that no retry can fix.
package broker
