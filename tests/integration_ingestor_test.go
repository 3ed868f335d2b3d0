package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/pgcopy-ingestor/codec"
	"github.com/baldanca/pgcopy-ingestor/deadletter"
	"github.com/baldanca/pgcopy-ingestor/ingestor"
	"github.com/baldanca/pgcopy-ingestor/source"
)

type row struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

//
// In-memory queue with redelivery semantics: a received message stays
// invisible until it is either acked (gone for good) or failed (immediately
// redeliverable). Receive counts deliveries the way a broker would.
//

type simMsg struct {
	q       *simQueue
	id      string
	payload []byte
	count   int32
}

func (m *simMsg) ID() string            { return m.id }
func (m *simMsg) Data() source.Envelope { return source.Envelope{Payload: m.payload} }
func (m *simMsg) ReceiveCount() int32   { return m.count }
func (m *simMsg) Fail(ctx context.Context, reason error) error {
	m.q.requeue(m)
	return nil
}

type simQueue struct {
	mu    sync.Mutex
	ready []*simMsg
	total int
	acked map[string]struct{}
}

func newSimQueue() *simQueue {
	return &simQueue{acked: map[string]struct{}{}}
}

func (q *simQueue) push(id string, payload []byte, priorDeliveries int32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, &simMsg{q: q, id: id, payload: payload, count: priorDeliveries})
	q.total++
}

func (q *simQueue) requeue(m *simMsg) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.acked[m.id]; ok {
		return
	}
	q.ready = append(q.ready, m)
}

// Receive pops the next deliverable message. Once every message has been
// acked the queue reports closed so the worker drains and stops.
func (q *simQueue) Receive(ctx context.Context) (source.Message, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			m := q.ready[0]
			q.ready = q.ready[1:]
			m.count++
			q.mu.Unlock()
			return m, nil
		}
		done := len(q.acked) == q.total
		q.mu.Unlock()

		if done {
			return nil, source.ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (q *simQueue) AckBatch(ctx context.Context, msgs []source.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range msgs {
		q.acked[m.ID()] = struct{}{}
	}
	return nil
}

func (q *simQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.acked))
	for id := range q.acked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type memLoader struct {
	mu       sync.Mutex
	failNext int
	loads    [][]row
}

func (l *memLoader) Load(ctx context.Context, items []row) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return fmt.Errorf("load rejected")
	}
	batch := make([]row, len(items))
	copy(batch, items)
	l.loads = append(l.loads, batch)
	return nil
}

func (l *memLoader) loadedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, b := range l.loads {
		for _, r := range b {
			out = append(out, r.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (l *memLoader) batchSizes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.loads))
	for i, b := range l.loads {
		out[i] = len(b)
	}
	return out
}

type memRouter struct {
	mu      sync.Mutex
	records []deadletter.Record
}

func (r *memRouter) Route(ctx context.Context, rec deadletter.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRouter) all() []deadletter.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]deadletter.Record, len(r.records))
	copy(out, r.records)
	return out
}

func runWorker(t *testing.T, cfg ingestor.Config, q *simQueue, ld *memLoader, router *memRouter) error {
	t.Helper()

	ing, err := ingestor.NewIngestor[row](cfg, q, codec.JSON[row]{}, ld, router, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ing.Run(ctx)
}

func rowJSON(id string) []byte {
	data, _ := json.Marshal(row{ID: id, Amount: 1})
	return data
}

func TestIngestor_EndToEnd_DrainsQueueInBatches(t *testing.T) {
	q := newSimQueue()
	want := make([]string, 0, 23)
	for i := 0; i < 23; i++ {
		id := fmt.Sprintf("m-%02d", i)
		q.push(id, rowJSON(id), 0)
		want = append(want, id)
	}

	ld := &memLoader{}
	router := &memRouter{}
	cfg := ingestor.Config{BatchSize: 10, BatchTimeout: time.Second, RetryLimit: 5, ShutdownTimeout: 5 * time.Second}

	require.NoError(t, runWorker(t, cfg, q, ld, router))

	assert.Equal(t, []int{10, 10, 3}, ld.batchSizes(), "two full batches plus the remainder on drain")
	assert.Equal(t, want, ld.loadedIDs())
	assert.Equal(t, want, q.ackedIDs(), "every loaded message acked exactly once")
	assert.Empty(t, router.all())
}

func TestIngestor_EndToEnd_LoadFailureRedeliversThenSucceeds(t *testing.T) {
	q := newSimQueue()
	want := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m-%d", i)
		q.push(id, rowJSON(id), 0)
		want = append(want, id)
	}

	ld := &memLoader{failNext: 2}
	router := &memRouter{}
	cfg := ingestor.Config{BatchSize: 5, BatchTimeout: 100 * time.Millisecond, RetryLimit: 3, ShutdownTimeout: 5 * time.Second}

	require.NoError(t, runWorker(t, cfg, q, ld, router))

	// The first two loads were rejected; nothing from them was acked, the
	// broker redelivered, and the third attempt landed the whole batch once.
	assert.Equal(t, want, ld.loadedIDs())
	assert.Equal(t, want, q.ackedIDs())
	assert.Empty(t, router.all())
}

func TestIngestor_EndToEnd_MalformedPayloadDeadLettered(t *testing.T) {
	q := newSimQueue()
	q.push("good-1", rowJSON("good-1"), 0)
	q.push("bad-1", []byte(`{"id":`), 0)
	q.push("good-2", rowJSON("good-2"), 0)

	ld := &memLoader{}
	router := &memRouter{}
	cfg := ingestor.Config{BatchSize: 2, BatchTimeout: 100 * time.Millisecond, RetryLimit: 5, ShutdownTimeout: 5 * time.Second}

	require.NoError(t, runWorker(t, cfg, q, ld, router))

	assert.Equal(t, []string{"good-1", "good-2"}, ld.loadedIDs())
	assert.Equal(t, []string{"bad-1", "good-1", "good-2"}, q.ackedIDs())

	recs := router.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "bad-1", recs[0].MessageID)
	assert.Equal(t, int32(0), recs[0].Attempts, "decode failures consume no retry budget")
	assert.Equal(t, []byte(`{"id":`), recs[0].Payload)
}

func TestIngestor_EndToEnd_RetryBudgetExhaustedBeforeBatching(t *testing.T) {
	q := newSimQueue()
	q.push("fresh", rowJSON("fresh"), 0)
	// Simulates a message other workers already failed six times.
	q.push("worn-out", rowJSON("worn-out"), 6)

	ld := &memLoader{}
	router := &memRouter{}
	cfg := ingestor.Config{BatchSize: 10, BatchTimeout: 50 * time.Millisecond, RetryLimit: 5, ShutdownTimeout: 5 * time.Second}

	require.NoError(t, runWorker(t, cfg, q, ld, router))

	assert.Equal(t, []string{"fresh"}, ld.loadedIDs(), "an exhausted message never reaches the store")
	assert.Equal(t, []string{"fresh", "worn-out"}, q.ackedIDs())

	recs := router.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "worn-out", recs[0].MessageID)
	assert.Equal(t, int32(6), recs[0].Attempts)
}
