package tcp

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestTCPRoundTrip(t *testing.T) {
	tr := New(Config{ListenAddr: "127.0.0.1:0"})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()

	client, err := net.Dial("tcp", tr.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var conn interface {
		io.Reader
		WriteLine(string) error
		Close() error
		RemoteAddr() string
	}
	select {
	case c := <-tr.Accept():
		conn = c
	case <-time.After(time.Second):
		t.Fatalf("no connection accepted")
	}
	if conn.RemoteAddr() == "" {
		t.Fatalf("expected remote addr")
	}

	if _, err := client.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || buf[3] != 4 {
		t.Fatalf("server read: %v %v", buf, err)
	}

	if err := conn.WriteLine("0,1,hello,<f/>"); err != nil {
		t.Fatalf("write line: %v", err)
	}
	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil || line != "0,1,hello,<f/>\n" {
		t.Fatalf("unexpected line %q %v", line, err)
	}
	_ = conn.Close()
}

func TestTCPStopClosesAccept(t *testing.T) {
	tr := New(Config{ListenAddr: "127.0.0.1:0"})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case _, ok := <-tr.Accept():
		if ok {
			t.Fatalf("expected accept channel closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("accept channel not closed")
	}
}
