// Package harness runs build scenarios end to end: it lays out a workspace,
// loads a graph, runs the scheduler against real on-disk stores and checks
// what each build did.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: edit_reruns_consumer
//	description: "Editing a source re-executes only what read it"
//	files:
//	  src/a.txt: one
//	graph: |
//	  sources: [src/a.txt]
//	  pips:
//	    - name: copy
//	      executable: /bin/sh
//	      arguments: [-c, {{sh | copy "src/a.txt" "out/a.txt"}}]
//	      inputs: [src/a.txt]
//	      outputs: [out/a.txt]
//	steps:
//	  - build:
//	      expect: { outcome: success, executed: [copy] }
//	  - write: { src/a.txt: two }
//	  - build:
//	      expect: { executed: [copy] }
//	assertions:
//	  - type: file_content
//	    path: out/a.txt
//	    content: two
//
// The graph is a text/template rendered before loading. {{root}} is the
// workspace directory. {{sh}} starts a shell program that reports its own
// accesses on the sandbox report descriptor; copy, write and read extend
// it and the result renders as a quoted YAML scalar.
//
// # Assertion Types
//
//   - file_content: the workspace file at path holds content
//   - file_absent: nothing exists at path
//   - pip_state: in build N (1-based), pip ended in state
//   - cache_entries: the cache database holds count entries
//
// # Determinism
//
// Traces carry no timings, pids or build IDs, and the sequence numbers
// stamped on cache entries come from testutil.DeterministicClock, so a
// trace can be compared against a golden file byte for byte.
package harness
