package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/betbot/bothost/internal/logstore"
)

// IPCEnv names the fd number of the side channel inside the child.
const IPCEnv = "BOT_IPC_FD"

// first ExtraFile becomes fd=3 in child
const ipcChildFD = 3

type EventType string

const (
	EventLog   EventType = "log"
	EventError EventType = "error"
)

// Event is one side-channel message, encoded as a JSON line.
type Event struct {
	Type EventType `json:"type"`
	Data string    `json:"data"`
}

func (e Event) Channel() logstore.Channel {
	if e.Type == EventError {
		return logstore.Stderr
	}
	return logstore.Stdout
}

type Emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{enc: json.NewEncoder(w)}
}

// EmitterFromEnv opens the side channel inherited from the supervisor.
func EmitterFromEnv() (*Emitter, error) {
	v := strings.TrimSpace(os.Getenv(IPCEnv))
	if v == "" {
		return nil, fmt.Errorf("%s not set", IPCEnv)
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 3 {
		return nil, fmt.Errorf("bad %s=%q", IPCEnv, v)
	}
	f := os.NewFile(uintptr(fd), "bot-ipc")
	if f == nil {
		return nil, fmt.Errorf("fd %d unavailable", fd)
	}
	return NewEmitter(f), nil
}

func (e *Emitter) Emit(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(ev)
}

func (e *Emitter) Log(text string) error   { return e.Emit(Event{Type: EventLog, Data: text}) }
func (e *Emitter) Error(text string) error { return e.Emit(Event{Type: EventError, Data: text}) }

// ReadEvents decodes events until EOF. Lines that are not events are
// passed through as plain log text.
func ReadEvents(r io.Reader, fn func(Event)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil || (ev.Type != EventLog && ev.Type != EventError) {
			fn(Event{Type: EventLog, Data: line})
			continue
		}
		fn(ev)
	}
	return sc.Err()
}
