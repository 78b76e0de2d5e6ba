package transports

import (
	"context"
	"io"
)

// Transport accepts client connections that stream raw PCM audio in and
// receive tag lines out. Implementations own their network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	// Stop stops accepting; connections already handed out stay open.
	Stop() error
	// Accept delivers new connections and is closed after Stop.
	Accept() <-chan Conn
}

// Conn is one client stream.
type Conn interface {
	io.Reader
	ID() string
	RemoteAddr() string
	// WriteLine sends one line; the transport adds the line terminator.
	WriteLine(line string) error
	Close() error
}

// ReadyReporter allows transports to expose readiness metadata (e.g. listen
// addresses). Used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
