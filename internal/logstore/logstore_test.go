package logstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription, n int) []Line {
	t.Helper()
	out := make([]Line, 0, n)
	for len(out) < n {
		select {
		case l, ok := <-sub.Lines():
			require.True(t, ok, "subscription closed early")
			out = append(out, l)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d/%d lines", len(out), n)
		}
	}
	return out
}

func TestSubscribeBeforeAppend_GapFreeInOrder(t *testing.T) {
	s := New(Options{Buffer: 128})
	backlog, sub := s.Subscribe("b1")
	defer sub.Close()
	require.Empty(t, backlog)

	for i := 0; i < 100; i++ {
		s.Append("b1", Stdout, fmt.Sprintf("line %d", i), "i1")
	}
	got := recv(t, sub, 100)
	for i, l := range got {
		require.Equal(t, fmt.Sprintf("line %d", i), l.Text)
		require.EqualValues(t, i+1, l.Seq)
	}
}

func TestSubscribeAfterAppend_BacklogThenLive(t *testing.T) {
	s := New(Options{})
	s.Append("b1", Stdout, "a", "")
	s.Append("b1", Stderr, "b", "")
	s.Append("b2", Stdout, "other bot", "")

	backlog, sub := s.Subscribe("b1")
	defer sub.Close()
	require.Len(t, backlog, 2)
	require.Equal(t, "a", backlog[0].Text)
	require.Equal(t, "[ERR] b", backlog[1].Render())

	s.Append("b1", System, "c", "")
	live := recv(t, sub, 1)
	require.Equal(t, "c", live[0].Text)
	require.EqualValues(t, 3, live[0].Seq)
}

func TestConcurrentAppendDuringSubscribe_NoGapNoDup(t *testing.T) {
	s := New(Options{Buffer: 4096})
	const writers, perWriter = 4, 250

	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			for i := 0; i < perWriter; i++ {
				s.Append("b1", Stdout, fmt.Sprintf("%d-%d", w, i), "")
			}
		}(w)
	}
	close(start)
	time.Sleep(time.Millisecond)
	backlog, sub := s.Subscribe("b1")
	defer sub.Close()
	wg.Wait()

	live := recv(t, sub, writers*perWriter-len(backlog))
	all := append(backlog, live...)
	require.Len(t, all, writers*perWriter)
	for i, l := range all {
		require.EqualValues(t, i+1, l.Seq)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New(Options{Buffer: 2})
	_, sub := s.Subscribe("b1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Append("b1", Stdout, "x", "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked on a slow subscriber")
	}
	require.Equal(t, 8, sub.Dropped())
	require.Len(t, s.Backlog("b1"), 10)
}

func TestCloseDetaches(t *testing.T) {
	s := New(Options{})
	_, sub := s.Subscribe("b1")
	sub.Close()
	sub.Close()

	s.Append("b1", Stdout, "after close", "")
	_, ok := <-sub.Lines()
	require.False(t, ok)
}

func TestMultilineAndMaxLines(t *testing.T) {
	s := New(Options{MaxLines: 3})
	s.Append("b1", Stdout, "one\ntwo\r\nthree\n", "")
	s.Append("b1", Stdout, "four", "")

	got := s.Backlog("b1")
	require.Len(t, got, 3)
	require.Equal(t, "two", got[0].Text)
	require.Equal(t, "four", got[2].Text)
	require.EqualValues(t, 4, got[2].Seq)
}
