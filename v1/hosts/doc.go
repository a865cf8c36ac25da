// Package hosts selects which broker endpoint a connection attempt should use.
//
// A Strategy walks a list of candidate hosts in cycles. The persistent connection
// resets the strategy at the start of every connect loop, dials Current, and calls
// Next after each network failure. When a dial succeeds it calls Success, which
// pins the current host until the next Reset.
//
// Three policies are supported:
//   - Ordered: every cycle starts at the first host
//   - Random: every cycle uses a fresh random permutation
//   - RoundRobin: every cycle starts right after the host that last succeeded
//
// Whatever the policy, each candidate is visited exactly once per cycle.
package hosts
