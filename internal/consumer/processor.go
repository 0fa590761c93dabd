// Package consumer reads outbox events from Kafka and hands them to handlers:
// the sync worker and the integration event log.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// wireMagicByte prefixes every Schema Registry framed value.
const wireMagicByte = 0

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is an outbox event as published by the dispatcher: the routing
// headers plus the JSON payload with its wire framing removed.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	ClientID      string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithRetryBackOff sets the policy for redelivering a message to a failing
// handler. The factory is called once per message.
func WithRetryBackOff(b func() backoff.BackOff) Option {
	return func(p *Processor) {
		p.backOff = b
	}
}

// Processor fetches messages, hands them to a Handler and commits them.
//
// Consumer group offsets only move forward, so a failed message cannot be
// skipped and picked up later: handler errors are retried in place, and once
// the retry budget is spent the message is committed and counted as abandoned.
type Processor struct {
	reader  Reader
	handler Handler
	backOff func() backoff.BackOff
	logger  *log.Logger
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		backOff: defaultRetryBackOff,
		logger:  log.New(log.Writer(), "[consumer] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// Run processes messages until ctx is cancelled. A message whose handling is
// interrupted by cancellation stays uncommitted and is redelivered.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Printf("fetch error: %v", err)
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.logger.Printf("decode error (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, decodeErr)
			recordDecodeError(msg.Topic)
			p.commit(ctx, msg, event, false)
			continue
		}

		if handleErr := p.handle(ctx, event); handleErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			p.logger.Printf("abandoning %s at %s/%d/%d (client=%s): %v", event.EventType, event.Topic, event.Partition, event.Offset, event.ClientID, handleErr)
			recordAbandoned(event)
			p.commit(ctx, msg, event, false)
			continue
		}

		p.commit(ctx, msg, event, true)
	}
}

func (p *Processor) handle(ctx context.Context, event Message) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := p.handler.Handle(ctx, event)
		if err != nil {
			recordHandlerError(event)
			p.logger.Printf("handler error (event_type=%s, client=%s, attempt=%d): %v", event.EventType, event.ClientID, attempt, err)
		}
		return err
	}, backoff.WithContext(p.backOff(), ctx))
}

func (p *Processor) commit(ctx context.Context, msg kafka.Message, event Message, handled bool) {
	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		p.logger.Printf("commit error (topic=%s, offset=%d): %v", msg.Topic, msg.Offset, err)
		return
	}
	if handled {
		recordProcessed(event)
	}
}

func decodeMessage(msg kafka.Message) (Message, error) {
	if len(msg.Value) < 5 {
		return Message{}, fmt.Errorf("invalid payload length: %d", len(msg.Value))
	}
	if msg.Value[0] != wireMagicByte {
		return Message{}, fmt.Errorf("unexpected magic byte %#x", msg.Value[0])
	}

	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	clientID, _ := headerValue(msg, "client_id")
	schemaSubject, _ := headerValue(msg, "schema_subject")

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		EventType:     string(eventType),
		ClientID:      string(clientID),
		SchemaSubject: string(schemaSubject),
		SchemaID:      int(binary.BigEndian.Uint32(msg.Value[1:5])),
		Payload:       json.RawMessage(append([]byte(nil), msg.Value[5:]...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
