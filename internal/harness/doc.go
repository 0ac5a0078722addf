// Package harness provides conformance testing for compiled test maps.
//
// A scenario compiles CUE testmap and item definitions, starts one delivery
// execution and drives it through a flow of candidate requests, checking
// each step and the final test context.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	specs:
//	  - ../../compiler/testdata/assessment
//	test_map: branching
//	offline: true
//	flow:
//	  - action: navigate
//	    direction: next
//	    responses: { RESPONSE: a }
//	    expect:
//	      item: Q4
//	  - action: navigate
//	    direction: previous
//	    expect:
//	      error: ILLEGAL_NAVIGATION
//	assertions:
//	  - type: visited
//	    items: [Q1.0, Q4.0]
//	  - type: final_context
//	    expect: { state: interacting, position: 3 }
//
// # Assertion Types
//
//   - final_context: subset match on the final TestContext JSON
//   - visited: item sessions entered by successful steps, in order
//   - trace_count: a step action occurs exactly N times
//   - audit_count: the server audit log holds exactly N records of a kind
//
// # Offline Replay
//
// With offline set, the flow is replayed through the offline jump table
// seeded from the execution's snapshot. Every step must reach the same
// outcome and position as online, and after synchronising the queue to a
// fresh server that server must end in the same test context.
//
// # Deterministic Testing
//
// Every run uses an in-memory SQLite store, a fixed execution id and a step
// clock for offline timestamps, so traces are identical across runs and
// can be compared against golden files.
package harness
