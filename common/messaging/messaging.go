// Package messaging defines broker-neutral publish/subscribe interfaces used by
// the engine's durable dispatcher and run notifications.
package messaging

import (
	"context"
	"errors"
	"time"
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	Subject string
	Data    []byte

	// Metadata carries message headers.
	Metadata map[string]string

	// Timestamp is when the message was published, or received when the broker
	// does not report it.
	Timestamp time.Time

	// Deliveries is how many times a durable broker has delivered this message.
	// Zero for fire-and-forget subscriptions.
	Deliveries uint64
}

// MessageHandler processes a received message. A returned error asks durable
// consumers to redeliver later, unless it wraps ErrPermanent.
type MessageHandler func(ctx context.Context, msg *Message) error

// ErrPermanent marks a handler failure that redelivery cannot fix.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error {
	return []error{e.err, ErrPermanent}
}

// Permanent wraps err so errors.Is(err, ErrPermanent) reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Subscription represents an active subscription to a subject.
type Subscription interface {
	Unsubscribe() error
	Subject() string
	IsValid() bool
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish is fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishMsg sends a Message including its headers.
	PublishMsg(ctx context.Context, msg *Message) error

	Close() error
}

// Subscriber subscribes to messages on subjects.
type Subscriber interface {
	// Subscribe delivers every message to this subscriber (fan-out).
	Subscribe(subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe load-balances messages across subscribers sharing queue.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)

	Close() error
}

// Client combines Publisher and Subscriber.
type Client interface {
	Publisher
	Subscriber

	// Drain lets in-flight messages finish before closing.
	Drain() error

	IsConnected() bool

	// Ping performs a round trip to the broker.
	Ping(ctx context.Context) error
}
