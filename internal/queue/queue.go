// Package queue is the durable FIFO of mutations captured while offline.
// Entries survive restarts and drain strictly in order. A failing head
// blocks everything behind it, so a dependent update can never overtake
// the create it builds on. Apply is at-least-once: a crash between the
// remote apply and the durable delete replays the head on the next drain.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskfolk/syncline/internal/store"
)

// Entity kinds a mutation can target.
const (
	KindJob     = "job"
	KindMessage = "message"
	KindBooking = "booking"
	KindReview  = "review"
)

// Operations a mutation can carry.
const (
	OpCreate = "create"
	OpUpdate = "update"
)

// mutationPrefix namespaces queue entries inside the shared store. The
// sequence counter under the same name gives keys their FIFO byte order.
const mutationPrefix = "mutation/"

// Mutation is one deferred write, recorded with enough context to replay
// it against the API later.
type Mutation struct {
	ID         string          `json:"id"`
	EntityKind string          `json:"entity_kind"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func (m Mutation) validate() error {
	if m.EntityKind == "" {
		return errors.New("mutation missing entity kind")
	}

	if m.Operation == "" {
		return errors.New("mutation missing operation")
	}

	return nil
}

type stored struct {
	key string
	mut Mutation
}

// Queue is the persistent pending-mutation queue. All methods are safe for
// concurrent use; Drain additionally refuses to run twice at once.
type Queue struct {
	store  *store.Store
	logger *slog.Logger

	// draining is held for the duration of one drain. TryLock makes a
	// concurrent drain a no-op instead of a second consumer.
	draining sync.Mutex

	mu      sync.Mutex
	entries []stored
}

// New creates a queue over st. Call Load before the first Drain to pick up
// entries from previous runs.
func New(st *store.Store, logger *slog.Logger) *Queue {
	return &Queue{store: st, logger: logger}
}

// Load reads persisted mutations into memory in FIFO order. Entries that
// no longer parse are dropped from the store rather than wedging the queue.
func (q *Queue) Load() error {
	kvs, err := q.store.List(mutationPrefix)
	if err != nil {
		return fmt.Errorf("loading pending mutations: %w", err)
	}

	entries := make([]stored, 0, len(kvs))

	for _, kv := range kvs {
		var m Mutation
		if err := json.Unmarshal([]byte(kv.Value), &m); err != nil {
			q.logger.Warn("discarding malformed pending mutation",
				slog.String("key", kv.Key),
				slog.String("error", err.Error()),
			)

			if err := q.store.Delete(kv.Key); err != nil {
				return fmt.Errorf("discarding %s: %w", kv.Key, err)
			}

			continue
		}

		entries = append(entries, stored{key: kv.Key, mut: m})
	}

	q.mu.Lock()
	q.entries = entries
	q.mu.Unlock()

	if len(entries) > 0 {
		q.logger.Info("pending mutations loaded", slog.Int("count", len(entries)))
	}

	return nil
}

// Enqueue persists m at the tail and returns it with its assigned ID.
// The entry is durable before Enqueue returns.
func (q *Queue) Enqueue(m Mutation) (Mutation, error) {
	if err := m.validate(); err != nil {
		return Mutation{}, err
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}

	seq, err := q.store.NextSeq("mutation")
	if err != nil {
		return Mutation{}, err
	}

	key := mutationPrefix + store.SeqKey(seq)

	raw, err := json.Marshal(m)
	if err != nil {
		return Mutation{}, fmt.Errorf("encoding mutation %s: %w", m.ID, err)
	}

	if err := q.store.Set(key, string(raw)); err != nil {
		return Mutation{}, err
	}

	q.mu.Lock()
	q.entries = append(q.entries, stored{key: key, mut: m})
	q.mu.Unlock()

	q.logger.Debug("mutation queued",
		slog.String("id", m.ID),
		slog.String("entity", m.EntityKind),
		slog.String("op", m.Operation),
	)

	return m, nil
}

// Drain applies queued mutations in FIFO order until the queue is empty or
// the head fails. On success the entry is deleted durably before it leaves
// memory; on failure the head stays put with its attempt count and last
// error persisted, and the error is returned. A drain already in progress
// makes this call a no-op.
func (q *Queue) Drain(ctx context.Context, apply func(context.Context, Mutation) error) error {
	if !q.draining.TryLock() {
		return nil
	}
	defer q.draining.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		head, ok := q.peek()
		if !ok {
			return nil
		}

		if err := apply(ctx, head.mut); err != nil {
			if recErr := q.recordFailure(head, err); recErr != nil {
				q.logger.Warn("persisting mutation failure state",
					slog.String("id", head.mut.ID),
					slog.String("error", recErr.Error()),
				)
			}

			return fmt.Errorf("applying mutation %s: %w", head.mut.ID, err)
		}

		if err := q.store.Delete(head.key); err != nil {
			// Keep the entry in memory too: better to replay it next
			// drain than to lose the durable copy's twin.
			return fmt.Errorf("removing applied mutation %s: %w", head.mut.ID, err)
		}

		q.pop(head.key)

		q.logger.Debug("mutation applied",
			slog.String("id", head.mut.ID),
			slog.String("entity", head.mut.EntityKind),
			slog.String("op", head.mut.Operation),
		)
	}
}

func (q *Queue) peek() (stored, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return stored{}, false
	}

	return q.entries[0], true
}

func (q *Queue) pop(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) > 0 && q.entries[0].key == key {
		q.entries = q.entries[1:]
	}
}

// recordFailure persists the head's new attempt count and error text so
// the history survives a restart.
func (q *Queue) recordFailure(head stored, cause error) error {
	head.mut.Attempts++
	head.mut.LastError = cause.Error()

	raw, err := json.Marshal(head.mut)
	if err != nil {
		return fmt.Errorf("encoding mutation %s: %w", head.mut.ID, err)
	}

	if err := q.store.Set(head.key, string(raw)); err != nil {
		return err
	}

	q.mu.Lock()
	if len(q.entries) > 0 && q.entries[0].key == head.key {
		q.entries[0].mut = head.mut
	}
	q.mu.Unlock()

	return nil
}

// Size returns the number of pending mutations.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Snapshot returns a copy of the pending mutations in FIFO order.
func (q *Queue) Snapshot() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Mutation, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.mut
	}

	return out
}
