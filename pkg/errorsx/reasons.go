package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonPoolExhausted ReasonCode = "pool_exhausted"
	ReasonPoolClosed    ReasonCode = "pool_closed"
	ReasonWorkerFault   ReasonCode = "worker_fault"

	ReasonConnectionRead  ReasonCode = "connection_read"
	ReasonConnectionWrite ReasonCode = "connection_write"

	ReasonRecognizerConnect ReasonCode = "recognizer_connect"
	ReasonRecognizerSend    ReasonCode = "recognizer_send"
	ReasonRecognizerStream  ReasonCode = "recognizer_stream"

	ReasonBusPublish ReasonCode = "bus_publish"
	ReasonStoreWrite ReasonCode = "store_write"
)
