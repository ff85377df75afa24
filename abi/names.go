package abi

// HostModule is the import module every host function is exported from.
const HostModule = "env"

// Guest exports.
const (
	ExportMemory        = "memory"
	ExportAlloc         = "alloc"
	ExportInit          = "init"
	ExportProcessAction = "process_action"
	ExportTick          = "tick"
	ExportResume        = "resume"
)

// Host imports available to every package kind.
const (
	ImportLog         = "log"
	ImportStateGet    = "state_get"
	ImportStatePut    = "state_put"
	ImportStateDelete = "state_delete"
	ImportEmitEvent   = "emit_event"
	ImportSetOutput   = "set_output"
	ImportAbort       = "abort"
	ImportNow         = "now"
	ImportRandomBytes = "random_bytes"
)

// Host imports only linked into agents.
const (
	ImportHTTPRequest = "http_request"
	ImportWSConnect   = "ws_connect"
	ImportWSSend      = "ws_send"
	ImportWSRecv      = "ws_recv"
	ImportWSClose     = "ws_close"
)

// Guest return codes of tick and resume. Negative values are application errors.
const (
	CodeIdle       int32 = 0
	CodeAwaitingIO int32 = 1
)

// Codes returned by asynchronous imports in place of an op id.
const (
	ErrBusy        int64 = -1 // an op is already pending for this task
	ErrInvalid     int64 = -2 // malformed request
	ErrUnknownConn int64 = -3
	ErrQueueFull   int64 = -4
)

// StateAbsent is returned by state_get for a missing key.
const StateAbsent int64 = -1
