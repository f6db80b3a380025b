package engine

import (
	"sort"

	"vestnik/internal/models"
)

// entry wraps a message with its arrival sequence, the final ordering
// tie-break for two entries that are both still local.
type entry struct {
	msg     *models.Message
	arrival uint64
}

// timeline is the in-memory ordered view of one conversation. Order is
// (createdAt, durable-id-or-local-key, arrival).
type timeline struct {
	group     bool
	entries   []*entry
	byDurable map[string]*entry
	byLocal   map[string]*entry
}

func newTimeline(group bool) *timeline {
	return &timeline{
		group:     group,
		byDurable: make(map[string]*entry),
		byLocal:   make(map[string]*entry),
	}
}

func less(a, b *entry) bool {
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	}
	if !a.msg.Durable() && !b.msg.Durable() {
		return a.arrival < b.arrival
	}
	if ak, bk := a.msg.OrderKey(), b.msg.OrderKey(); ak != bk {
		return ak < bk
	}
	return a.arrival < b.arrival
}

func (t *timeline) insert(e *entry) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return less(e, t.entries[i])
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e

	t.index(e)
}

func (t *timeline) index(e *entry) {
	if e.msg.LocalKey != "" {
		// Never displace a live entry; one entry per local key.
		if cur, ok := t.byLocal[e.msg.LocalKey]; !ok || cur == e {
			t.byLocal[e.msg.LocalKey] = e
		}
	}
	if e.msg.DurableID != "" {
		t.byDurable[e.msg.DurableID] = e
	}
}

func (t *timeline) remove(e *entry) {
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	if e.msg.LocalKey != "" {
		delete(t.byLocal, e.msg.LocalKey)
	}
	if e.msg.DurableID != "" {
		delete(t.byDurable, e.msg.DurableID)
	}
}

// resort restores order after an entry's key material changed (a local
// entry acquiring its durable id).
func (t *timeline) resort() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return less(t.entries[i], t.entries[j])
	})
}

// findEcho locates a not-yet-durable entry matching the dedup triple.
func (t *timeline) findEcho(m models.Message) *entry {
	for _, e := range t.entries {
		if e.msg.Durable() {
			continue
		}
		if e.msg.SenderID == m.SenderID &&
			e.msg.CreatedAt.Equal(m.CreatedAt) &&
			e.msg.Content == m.Content {
			return e
		}
	}
	return nil
}

// snapshot returns value copies in display order.
func (t *timeline) snapshot() []models.Message {
	out := make([]models.Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e.msg
	}
	return out
}
