// Package ir holds the shared vocabulary of the navigation engine: response
// values, compiled test maps, branch rule trees, navigation requests, test
// contexts, pending actions and the typed error taxonomy.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key constraints:
//   - No float values. Decimal responses travel as strings so canonical
//     hashing and value equality stay deterministic.
//   - Ordering of queued actions uses sequence numbers, never wall clocks.
//   - JSON tags use snake_case.
package ir
