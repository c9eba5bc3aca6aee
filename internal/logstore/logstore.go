// Package logstore keeps the per-bot, append-only log of every instance and
// fans new lines out to live subscribers.
package logstore

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/bothost/internal/metrics"
)

type Channel string

const (
	Stdout Channel = "stdout"
	Stderr Channel = "stderr"
	System Channel = "system"
)

type Line struct {
	BotID      string    `json:"bot_id"`
	Seq        uint64    `json:"seq"`
	Channel    Channel   `json:"channel"`
	Text       string    `json:"text"`
	InstanceID string    `json:"instance_id,omitempty"`
	Time       time.Time `json:"time"`
}

// Render returns the line as shown to the owner.
func (l Line) Render() string {
	if l.Channel == Stderr {
		return "[ERR] " + l.Text
	}
	return l.Text
}

type Options struct {
	// MaxLines caps the backlog per bot; 0 keeps everything.
	MaxLines int
	// Buffer is the per-subscriber channel capacity.
	Buffer int
}

type stream struct {
	lines   []Line
	nextSeq uint64
	subs    []*Subscription
}

// Store is safe for concurrent use. All appends for every bot are serialised
// by one mutex, so sequence numbers and attach points are totally ordered.
type Store struct {
	mu      sync.Mutex
	opts    Options
	streams map[string]*stream
	now     func() time.Time
	log     *logrus.Entry
}

func New(opts Options) *Store {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	return &Store{
		opts:    opts,
		streams: make(map[string]*stream),
		now:     time.Now,
		log:     logrus.WithField("component", "logstore"),
	}
}

func (s *Store) streamFor(botID string) *stream {
	st, ok := s.streams[botID]
	if !ok {
		st = &stream{nextSeq: 1}
		s.streams[botID] = st
	}
	return st
}

// Append stores one line per text line in text and notifies subscribers.
// Slow subscribers miss lines; Append never blocks on them.
func (s *Store) Append(botID string, ch Channel, text, instanceID string) {
	text = strings.TrimRight(text, "\r\n")
	parts := strings.Split(text, "\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamFor(botID)
	for _, p := range parts {
		l := Line{
			BotID:      botID,
			Seq:        st.nextSeq,
			Channel:    ch,
			Text:       strings.TrimRight(p, "\r"),
			InstanceID: instanceID,
			Time:       s.now(),
		}
		st.nextSeq++
		st.lines = append(st.lines, l)
		metrics.LogLines.Add(1)

		for _, sub := range st.subs {
			select {
			case sub.ch <- l:
			default:
				sub.dropped++
				metrics.LogDrops.Add(1)
			}
		}
	}
	if limit := s.opts.MaxLines; limit > 0 && len(st.lines) > limit {
		st.lines = append([]Line(nil), st.lines[len(st.lines)-limit:]...)
	}
}

// Backlog returns a copy of the stored lines.
func (s *Store) Backlog(botID string) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[botID]
	if !ok {
		return nil
	}
	return append([]Line(nil), st.lines...)
}

// Subscribe returns the current backlog and a subscription that receives
// every line appended after it. Both are taken under the same lock.
func (s *Store) Subscribe(botID string) ([]Line, *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamFor(botID)
	sub := &Subscription{
		store: s,
		botID: botID,
		ch:    make(chan Line, s.opts.Buffer),
	}
	st.subs = append(st.subs, sub)
	return append([]Line(nil), st.lines...), sub
}

func (s *Store) detach(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	st, ok := s.streams[sub.botID]
	if !ok {
		return
	}
	for i, x := range st.subs {
		if x == sub {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			break
		}
	}
	if sub.dropped > 0 {
		s.log.WithField("bot_id", sub.botID).Debugf("subscriber detached after dropping %d lines", sub.dropped)
	}
}

// Subscription is a live reader. Close detaches it without touching the instance.
type Subscription struct {
	store *Store
	botID string
	ch    chan Line

	// guarded by store.mu
	closed  bool
	dropped int
}

func (s *Subscription) Lines() <-chan Line { return s.ch }

func (s *Subscription) Close() { s.store.detach(s) }

// Dropped reports how many lines this subscriber missed.
func (s *Subscription) Dropped() int {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.dropped
}
