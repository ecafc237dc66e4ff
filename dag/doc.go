// Package dag builds and runs the dependency graph of a model run.
//
// A Builder turns selectors ("this model, N ancestors, M descendants")
// plus the known dependency paths into a DAG of ModelNodes. Nodes inside a
// selector's window are selected; nodes outside it stay in the graph
// unselected so the edge chain is preserved.
//
// A Runner executes the DAG with a single consumer goroutine draining a
// message queue. Every node whose parents completed is materialized
// concurrently; a failure marks the failed node's descendant closure as
// ancestor-failed and never schedules it. The run ends once every node is
// completed, failed or ancestor-failed.
package dag
