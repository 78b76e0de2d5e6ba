package frames

// Metadata keys shared by frames, metrics tags and log attributes.
const (
	MetaStreamID    = "stream_id"
	MetaSessionID   = "session_id"
	MetaTraceID     = "trace_id"
	MetaSource      = "source"
	MetaReason      = "reason"
	MetaIsFinal     = "is_final"
	MetaResultIndex = "result_index"
	MetaRollback    = "rollback"
	MetaRemoteAddr  = "remote_addr"
)
