package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
)

// stream_pcm plays a WAV file (or raw 16-bit PCM) to a livetag server at
// real-time pace and prints every tag line it receives.
func main() {
	addr := flag.String("addr", "127.0.0.1:50007", "tcp address, or ws:// url for the websocket transport")
	file := flag.String("file", "", "WAV file, or raw s16le PCM with -raw")
	raw := flag.Bool("raw", false, "treat -file as raw s16le PCM")
	rate := flag.Int("rate", 16000, "sample rate for -raw input")
	chunk := flag.Int("chunk", 1024, "bytes per write")
	linger := flag.Duration("linger", 2*time.Second, "wait for trailing lines after the audio ends")
	flag.Parse()
	if *file == "" {
		fmt.Println("usage: stream_pcm -file=utterance.wav [-addr=127.0.0.1:50007]")
		os.Exit(1)
	}

	pcm, sampleRate, channels, err := loadPCM(*file, *raw, *rate)
	if err != nil {
		fmt.Println("audio error:", err)
		os.Exit(1)
	}
	bytesPerSec := sampleRate * channels * 2
	fmt.Printf("streaming %d bytes (%.2fs) to %s\n", len(pcm), float64(len(pcm))/float64(bytesPerSec), *addr)

	var (
		send      func([]byte) error
		lines     <-chan string
		closeConn func()
	)
	if strings.HasPrefix(*addr, "ws://") || strings.HasPrefix(*addr, "wss://") {
		send, lines, closeConn, err = dialWebsocket(*addr)
	} else {
		send, lines, closeConn, err = dialTCP(*addr)
	}
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	go func() {
		for line := range lines {
			fmt.Println(line)
		}
	}()

	pace := time.Duration(float64(*chunk) / float64(bytesPerSec) * float64(time.Second))
	for off := 0; off < len(pcm); off += *chunk {
		end := min(off+*chunk, len(pcm))
		if err := send(pcm[off:end]); err != nil {
			fmt.Println("send error:", err)
			break
		}
		time.Sleep(pace)
	}
	time.Sleep(*linger)
	closeConn()
}

func loadPCM(path string, raw bool, rate int) ([]byte, int, int, error) {
	if raw {
		b, err := os.ReadFile(path)
		return b, rate, 1, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("expected 16-bit wav, got %d-bit", dec.BitDepth)
	}
	out := make([]byte, 2*len(buf.Data))
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return out, int(dec.SampleRate), int(dec.NumChans), nil
}

func dialTCP(addr string) (func([]byte) error, <-chan string, func(), error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nil, nil, err
	}
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	send := func(b []byte) error {
		_, err := conn.Write(b)
		return err
	}
	return send, lines, func() { _ = conn.Close() }, nil
}

func dialWebsocket(url string) (func([]byte) error, <-chan string, func(), error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					fmt.Println("read error:", err)
				}
				return
			}
			lines <- strings.TrimRight(string(msg), "\n")
		}
	}()
	send := func(b []byte) error {
		return ws.WriteMessage(websocket.BinaryMessage, b)
	}
	closeFn := func() {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
	}
	return send, lines, closeFn, nil
}
