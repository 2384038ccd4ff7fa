// Package broker defines the queue-broker boundary the orchestrator talks
// to: FIFO lists, TTL-bounded hashes, and plain TTL-bounded keys. It is
// deliberately narrow so any broker with list/hash/key semantics (Redis,
// a Postgres-backed LISTEN/NOTIFY table, ...) can sit behind it.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by PopHead when no element was available before
// the caller-supplied deadline elapsed. It is not a QueueError: an empty
// queue is an expected, frequent outcome, not a broker malfunction.
var ErrEmpty = errors.New("broker: queue empty")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("broker: key not found")

// Broker is the queue/hash/key substrate the orchestrator depends on.
// Every method that can fail for broker-side reasons (connection drop,
// command error) returns a *QueueError so callers can apply the same
// retry/backoff policy regardless of which implementation is in play.
type Broker interface {
	// Append pushes payload onto the tail of queue.
	Append(ctx context.Context, queue string, payload []byte) error
	// PopHead pops the head of queue, polling at PollInterval granularity
	// until an element appears or timeout elapses. Returns ErrEmpty on
	// timeout; this simulates a blocking pop over a broker whose own
	// client is non-blocking.
	PopHead(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	// Length reports the current length of queue.
	Length(ctx context.Context, queue string) (int64, error)
	// Clear removes every element of queue.
	Clear(ctx context.Context, queue string) error

	// HashSet sets field on the hash at key to value.
	HashSet(ctx context.Context, key, field string, value []byte) error
	// HashLen reports the number of fields present on the hash at key.
	HashLen(ctx context.Context, key string) (int64, error)
	// HashGetAll returns every field/value pair on the hash at key.
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)
	// Del removes key entirely (hash or plain key).
	Del(ctx context.Context, key string) error
	// Expire sets or refreshes the TTL on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SetEx sets a plain key/value pair with a TTL.
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get reads a plain key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet reads several plain keys at once; missing keys come back nil.
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	// ScanKeys lists keys matching pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Close releases any underlying connection resources.
	Close() error
}

// PollInterval is the polling cadence used to simulate a blocking pop.
const PollInterval = 100 * time.Millisecond

// QueueError wraps a broker-side failure (connection, command error) so
// callers can apply a uniform retry/backoff policy regardless of which
// broker implementation is in play.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return "broker: " + e.Op + ": " + e.Err.Error()
}

func (e *QueueError) Unwrap() error { return e.Err }

func newQueueError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &QueueError{Op: op, Err: err}
}
