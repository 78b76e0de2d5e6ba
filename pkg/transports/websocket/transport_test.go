package websocket

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/livetag/pkg/transports"
)

func TestWebsocketBinaryInTextOut(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	defer tr.Stop()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var conn transports.Conn
	select {
	case conn = <-tr.Accept():
	case <-time.After(time.Second):
		t.Fatalf("no connection accepted")
	}

	_ = client.WriteMessage(websocket.TextMessage, []byte("ignored"))
	_ = client.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
	_ = client.WriteMessage(websocket.BinaryMessage, []byte{3, 4})
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || buf[0] != 1 || buf[3] != 4 {
		t.Fatalf("unexpected audio %v %v", buf, err)
	}

	if err := conn.WriteLine("0,1,hello,<f/>"); err != nil {
		t.Fatalf("write line: %v", err)
	}
	kind, msg, err := client.ReadMessage()
	if err != nil || kind != websocket.TextMessage || string(msg) != "0,1,hello,<f/>" {
		t.Fatalf("unexpected message %d %q %v", kind, msg, err)
	}

	_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	_ = conn.Close()
}

func TestWebsocketHealthAndOrigin(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"https://ok.example"}})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %v %v", resp, err)
	}
	resp.Body.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatalf("expected origin rejection")
	}

	_ = tr.Stop()
	resp, err = http.Get(srv.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected draining health, got %v %v", resp, err)
	}
	resp.Body.Close()
}
