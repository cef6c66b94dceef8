// Package execution provides the executors that schedule virtual users:
// per-vu-iterations, ramping-vus, constant-vus, shared-iterations and
// constant-arrival-rate.
package execution
