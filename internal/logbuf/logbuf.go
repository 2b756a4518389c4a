// Package logbuf keeps the recent process log in memory and serves it to
// admin clients.
package logbuf

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/meshrelay/internal/util"
)

type Entry struct {
	TS     time.Time `json:"ts"`
	Source string    `json:"source"`
	Msg    string    `json:"msg"`
}

const (
	SourceStd    = "std"
	SourceGoLog  = "golog"
	defaultLines = 500
)

// Buffer is an io.Writer that splits writes into lines, keeps the newest
// ones and fans them out to live subscribers.
type Buffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[Entry]
	subs    map[chan Entry]struct{}
	partial bytes.Buffer
}

func New(lines int) *Buffer {
	if lines <= 0 {
		lines = defaultLines
	}
	return &Buffer{
		entries: util.NewRingBuffer[Entry](lines),
		subs:    make(map[chan Entry]struct{}),
	}
}

// Write implements io.Writer for log.SetOutput.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		b.addLocked(SourceStd, line)
	}
	return len(p), nil
}

func (b *Buffer) add(source, line string) {
	b.mu.Lock()
	b.addLocked(source, line)
	b.mu.Unlock()
}

func (b *Buffer) addLocked(source, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	e := Entry{TS: time.Now(), Source: source, Msg: line}
	b.entries.Push(e)
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// CaptureGoLog tees every go-log subsystem line into the buffer until the
// returned stop func is called.
func (b *Buffer) CaptureGoLog() (stop func()) {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.consume(SourceGoLog, pr)
	}()
	return func() {
		_ = pr.Close()
		<-done
	}
}

func (b *Buffer) consume(source string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		b.add(source, sc.Text())
	}
}

func (b *Buffer) Snapshot() []Entry { return b.entries.Snapshot() }

func (b *Buffer) Last(n int) []Entry { return b.entries.Last(n) }

func (b *Buffer) Subscribe() (ch chan Entry, cancel func()) {
	ch = make(chan Entry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /logs.json[?n=100]
func (b *Buffer) ServeJSON(w http.ResponseWriter, r *http.Request) {
	n := -1
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			n = parsed
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Last(n))
}

// GET /logs/stream (Server-Sent Events), tail only.
func (b *Buffer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
