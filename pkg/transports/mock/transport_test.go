package mock

import (
	"bufio"
	"context"
	"errors"
	"testing"
)

func TestDialDeliversConn(t *testing.T) {
	tr := New()
	_ = tr.Start(context.Background())
	client, err := tr.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := <-tr.Accept()
	go func() { _ = conn.WriteLine("0,1,hi,<f/>") }()
	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil || line != "0,1,hi,<f/>\n" {
		t.Fatalf("unexpected line %q %v", line, err)
	}

	_ = tr.Stop()
	if _, err := tr.Dial(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected stopped error, got %v", err)
	}
	if _, ok := <-tr.Accept(); ok {
		t.Fatalf("expected closed accept channel")
	}
}
