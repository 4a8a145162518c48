package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/newsman/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

// fakeReader は用意したメッセージを順に返し、尽きたらcontextのキャンセルまで待つ。
type fakeReader struct {
	mu    sync.Mutex
	queue []readResult
	reads atomic.Int32
}

type readResult struct {
	msg kafka.Message
	err error
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.reads.Add(1)
	f.mu.Lock()
	if len(f.queue) > 0 {
		r := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return r.msg, r.err
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error { return nil }

type countingEvictor struct {
	calls atomic.Int32
}

func (c *countingEvictor) EvictAll() int {
	c.calls.Add(1)
	return 3
}

func eventMessage(t *testing.T, typ string) kafka.Message {
	t.Helper()
	body, err := json.Marshal(events.Event{ID: "ev-1", Type: typ, Origin: "worker-1", OccurredAt: time.Now()})
	require.NoError(t, err)
	return kafka.Message{Value: body}
}

func TestPublisherInvalidateWritesEvent(t *testing.T) {
	w := &fakeWriter{}
	p := events.NewPublisherWithWriter(w, discardLogger())

	require.NoError(t, p.Invalidate(context.Background()))
	require.NoError(t, p.Invalidate(context.Background()))
	require.Len(t, w.msgs, 2)

	var first, second events.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &first))
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &second))

	require.Equal(t, events.TypeCacheInvalidated, first.Type)
	require.NotEmpty(t, first.ID)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, []byte(events.TypeCacheInvalidated), w.msgs[0].Key)
}

func TestPublisherInvalidateWrapsWriteError(t *testing.T) {
	cause := errors.New("broker unavailable")
	p := events.NewPublisherWithWriter(&fakeWriter{err: cause}, discardLogger())

	err := p.Invalidate(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, cause)
}

func runSubscriber(t *testing.T, r *fakeReader, ev *countingEvictor, wantReads int32) {
	t.Helper()
	s := events.NewSubscriberWithReader(r, ev, discardLogger(), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.reads.Load() > wantReads }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run がcontextキャンセル後に終了しない")
	}
}

func TestSubscriberEvictsOnInvalidation(t *testing.T) {
	r := &fakeReader{queue: []readResult{
		{msg: eventMessage(t, events.TypeCacheInvalidated)},
		{msg: eventMessage(t, events.TypeCacheInvalidated)},
	}}
	ev := &countingEvictor{}

	runSubscriber(t, r, ev, 2)
	require.Equal(t, int32(2), ev.calls.Load())
}

func TestSubscriberSkipsMalformedAndUnknownEvents(t *testing.T) {
	r := &fakeReader{queue: []readResult{
		{msg: kafka.Message{Value: []byte("{not json")}},
		{msg: eventMessage(t, "news.created")},
		{msg: eventMessage(t, events.TypeCacheInvalidated)},
	}}
	ev := &countingEvictor{}

	runSubscriber(t, r, ev, 3)
	require.Equal(t, int32(1), ev.calls.Load())
}

func TestSubscriberRetriesAfterReadError(t *testing.T) {
	r := &fakeReader{queue: []readResult{
		{err: errors.New("connection reset")},
		{msg: eventMessage(t, events.TypeCacheInvalidated)},
	}}
	ev := &countingEvictor{}

	runSubscriber(t, r, ev, 2)
	require.Equal(t, int32(1), ev.calls.Load())
}
