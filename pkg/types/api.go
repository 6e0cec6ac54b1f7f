package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: cannot operate across remote devices
	Error string `json:"error" example:"cannot operate across remote devices"`
	// HTTP status code.
	// example: 409
	Code int `json:"code" example:"409"`
}

// Device describes one registered logical device.
type Device struct {
	// Device index as seen by the host runtime.
	// example: 0
	Index int `json:"index" example:"0"`
	// Stable identity string.
	// example: modal-a10040gb-1a2b3c4d
	ID string `json:"id" example:"modal-a10040gb-1a2b3c4d"`
	// Human readable name.
	// example: Modal A100-40GB
	Name string `json:"name" example:"Modal A100-40GB"`
	// Provider hosting the worker.
	// example: modal
	Provider string `json:"provider" example:"modal"`
	// Accelerator class.
	// example: A100-40GB
	Accelerator string `json:"accelerator" example:"A100-40GB"`
	// True once the device has been released. Its index is never reused.
	Released bool `json:"released,omitempty"`
	// State of the device's remote session.
	// example: ready
	Session string `json:"session" example:"ready"`
}

// DevicesResponse is returned by GET /devices.
type DevicesResponse struct {
	Devices []Device `json:"devices"`
	// Index of the process-wide current device.
	// example: 0
	Current int `json:"current" example:"0"`
	// Number of indices ever issued.
	// example: 1
	Count int `json:"count" example:"1"`
}

// RegisterDeviceRequest is the body of POST /devices.
type RegisterDeviceRequest struct {
	// example: modal
	Provider string `json:"provider" example:"modal"`
	// example: H100
	Accelerator string `json:"accelerator" example:"H100"`
	// Optional identity UUID. Reusing one returns the existing index.
	// example: 6f1c2b1e-8e7b-4c8e-9d0b-3f7d8f2c1a9e
	UUID string `json:"uuid,omitempty"`
}

// SessionStatus summarizes the remote session of one device for /status.
type SessionStatus struct {
	// example: 0
	Device int `json:"device" example:"0"`
	// example: modal-h100-1a2b3c4d
	Identity string `json:"identity" example:"modal-h100-1a2b3c4d"`
	// Lifecycle state: closed, starting, ready, failed or draining.
	// example: ready
	State string `json:"state" example:"ready"`
	// Last completed call (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Calls waiting for the in-flight slot.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Completed remote calls.
	// example: 12
	Calls uint64 `json:"calls" example:"12"`
	// Session starts, including restarts after failure.
	// example: 1
	Starts uint64 `json:"starts" example:"1"`
	// Last failure reason, if any.
	Error string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Sessions []SessionStatus `json:"sessions"`
	// Requests queued per daemon lane, keyed by device index.
	DaemonQueues map[int]int `json:"daemon_queues"`
	// Live storage handles held by the daemon.
	// example: 42
	LiveHandles int `json:"live_handles" example:"42"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// DecisionResponse is returned by GET /policy/decide.
type DecisionResponse struct {
	// example: matmul
	Op string `json:"op" example:"matmul"`
	// example: 20000
	Elements int64 `json:"elements" example:"20000"`
	// example: remote
	Route string `json:"route" example:"remote"`
	// example: allow-listed family: matmul
	Reason string `json:"reason" example:"allow-listed family: matmul"`
}
