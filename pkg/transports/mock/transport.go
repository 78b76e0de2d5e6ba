package mock

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/harunnryd/livetag/pkg/transports"
)

var ErrStopped = errors.New("mock transport stopped")

// Transport is an in-memory transport for tests. Dial hands the server side
// of a net.Pipe to Accept and returns the client side.
type Transport struct {
	accept chan transports.Conn

	mu      sync.Mutex
	stopped bool
}

func New() *Transport {
	return &Transport{accept: make(chan transports.Conn, 16)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.accept)
	}
	return nil
}

func (t *Transport) Accept() <-chan transports.Conn { return t.accept }

// Dial opens a new in-memory connection.
func (t *Transport) Dial() (net.Conn, error) {
	server, client := net.Pipe()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		_ = server.Close()
		_ = client.Close()
		return nil, ErrStopped
	}
	t.accept <- transports.NewStreamConn(server)
	return client, nil
}

var _ transports.Transport = (*Transport)(nil)
