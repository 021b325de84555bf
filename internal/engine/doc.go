// Package engine orchestrates asynchronous deploy and destroy runs: it
// executes the IaC tool as managed subprocesses, streams and batches their
// output, tracks operation and workshop status, and reconciles completion
// across multi-template workshop batches.
package engine
