// Package session maintains one long-lived remote session per logical device
// and executes operations over it. It is structured into small files by concern:
//
//   - manager.go: Manager type, constructor and collaborator interfaces.
//   - config.go: Config and package defaults.
//   - types.go: State and the per-device Session.
//   - errors.go: error types and predicates (IsRemoteUnavailable, IsRemoteTimeout,
//     IsRemoteExecution, IsTooBusy).
//   - admission.go: per-device queueing and the single in-flight slot.
//   - start.go: lazy session start and restart after failure.
//   - execute.go: the Execute entry point.
//   - stop.go: Stop, StopAll and Close.
//   - reap.go: closes sessions idle longer than IdleTimeout.
//   - status_report.go: Status reporting.
//
// Calls on one device are serialized: at most one is in flight and the rest
// wait in a bounded queue. Devices are independent. A failed call is never
// retried automatically; the session is marked failed and the next call on
// that device starts a fresh one.
package session
