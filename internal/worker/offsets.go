package worker

import (
	"context"
	"sync"

	"github.com/jmehdipour/entitlements/internal/kafka"
)

type partitionKey struct {
	topic     string
	partition int
}

type partitionState struct {
	inflight  []kafka.Message // fetch order
	done      map[int64]bool
	committed int64
}

// offsetTracker commits a partition only up to its oldest message still in
// flight. Lanes finish out of partition order, so a retrying message holds
// back the commit of every later offset of its partition.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[partitionKey]*partitionState

	commitMu sync.Mutex
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[partitionKey]*partitionState)}
}

func (t *offsetTracker) track(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := partitionKey{m.Topic, m.Partition}
	st, ok := t.parts[k]
	if !ok {
		st = &partitionState{done: make(map[int64]bool), committed: -1}
		t.parts[k] = st
	}
	st.inflight = append(st.inflight, m)
}

// complete marks m processed and returns the newest message whose offset
// and all earlier ones are processed, if that advanced.
func (t *offsetTracker) complete(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.parts[partitionKey{m.Topic, m.Partition}]
	if !ok {
		return kafka.Message{}, false
	}
	st.done[m.Offset] = true

	var head kafka.Message
	advanced := false
	for len(st.inflight) > 0 && st.done[st.inflight[0].Offset] {
		head = st.inflight[0]
		delete(st.done, head.Offset)
		st.inflight = st.inflight[1:]
		advanced = true
	}
	return head, advanced
}

// commit sends m unless a newer offset of its partition was committed already.
func (t *offsetTracker) commit(ctx context.Context, src Source, m kafka.Message) error {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()

	t.mu.Lock()
	st := t.parts[partitionKey{m.Topic, m.Partition}]
	stale := st == nil || m.Offset <= st.committed
	t.mu.Unlock()
	if stale {
		return nil
	}

	if err := src.Commit(ctx, m); err != nil {
		return err
	}
	t.mu.Lock()
	st.committed = m.Offset
	t.mu.Unlock()
	return nil
}
