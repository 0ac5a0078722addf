// Package offline delivers a test without a server round trip.
//
// A JumpTable holds the compiled route of one execution and every item on
// it. Navigation runs the same decision and transition functions as the
// server, commits to a local SQLite store and queues the action under the
// next logical sequence number. A Syncer later pushes the queue through a
// Transport; when the server rejects an action the client adopts the
// server's session.
package offline
