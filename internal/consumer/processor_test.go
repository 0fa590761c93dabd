package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func framed(schemaID int, payload []byte) []byte {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], uint32(schemaID))
	copy(value[5:], payload)
	return value
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"connection_id":"abc"}`)
	msg := kafka.Message{
		Topic:     "wearable_sync_requests",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Value:     framed(42, payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("wearable.sync_requested")},
			{Key: "client_id", Value: []byte("client-1")},
			{Key: "schema_subject", Value: []byte("wearable_sync_requests-value")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "wearable.sync_requested", handler.last.EventType)
	require.Equal(t, "client-1", handler.last.ClientID)
	require.Equal(t, "wearable_sync_requests-value", handler.last.SchemaSubject)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func syncRequestMessage(offset int64) kafka.Message {
	return kafka.Message{
		Topic:     "wearable_sync_requests",
		Partition: 0,
		Offset:    offset,
		Time:      time.Now().UTC(),
		Value:     framed(99, []byte(`{"connection_id":"def"}`)),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("wearable.sync_requested")},
			{Key: "client_id", Value: []byte("client-2")},
		},
	}
}

func noWait(retries uint64) Option {
	return WithRetryBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries)
	})
}

func TestProcessorRetriesHandlerErrorsBeforeCommitting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{messages: []kafka.Message{syncRequestMessage(20)}, after: contextCanceled}
	handler := &stubHandler{errs: []error{errors.New("db down"), errors.New("db down")}}

	processor := NewProcessor(reader, handler, noWait(5), WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Equal(t, 3, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
}

func TestProcessorCommitsAbandonedMessageAfterRetryBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := testutil.ToFloat64(abandonedCounter.WithLabelValues("wearable_sync_requests", "wearable.sync_requested"))

	reader := &stubReader{messages: []kafka.Message{syncRequestMessage(21), syncRequestMessage(22)}, after: contextCanceled}
	handler := &stubHandler{err: errors.New("boom")}

	processor := NewProcessor(reader, handler, noWait(2), WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Equal(t, 6, handler.calls)
	require.Equal(t, 2, reader.commitCalls)
	require.InDelta(t, before+2, testutil.ToFloat64(abandonedCounter.WithLabelValues("wearable_sync_requests", "wearable.sync_requested")), 0.0001)
}

func TestProcessorLeavesMessageUncommittedOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{messages: []kafka.Message{syncRequestMessage(23)}, after: contextCanceled}
	handler := &stubHandler{err: errors.New("interrupted"), onCall: cancel}

	processor := NewProcessor(reader, handler, WithRetryBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	}), WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Zero(t, reader.commitCalls)
}

func TestProcessorCommitsUndecodableMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{
			{Topic: "wearable_sync_requests", Value: []byte{0, 1}},
			{Topic: "wearable_sync_requests", Value: framed(1, []byte(`{}`))},
			{Topic: "wearable_sync_requests", Value: append([]byte{1}, framed(1, []byte(`{}`))[1:]...), Headers: []kafka.Header{{Key: "event_type", Value: []byte("wearable.sync_requested")}}},
		},
		after: contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Zero(t, handler.calls, "short frame, missing event_type header and foreign framing are undecodable")
	require.Equal(t, 3, reader.commitCalls)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type stubHandler struct {
	calls  int
	err    error
	errs   []error
	onCall func()
	last   Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	if h.onCall != nil {
		h.onCall()
	}
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		return err
	}
	return h.err
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
