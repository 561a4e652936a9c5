package live

import "time"

// Direction of a transfer.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Observer receives instrumentation events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// OperationFinished fires once per operation, when it reaches a
	// terminal state. kind is KindUnknown unless state is StateFailed.
	OperationFinished(method string, state State, kind Kind, elapsed time.Duration)
	// BytesTransferred fires for every chunk streamed by a transfer.
	BytesTransferred(dir Direction, n int64)
	// AuthAttempted fires for every provider call made by the Engine.
	// outcome is "connected", "not_connected" or "failed".
	AuthAttempted(silent bool, outcome string)
}
