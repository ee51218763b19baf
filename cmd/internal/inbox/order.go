package inbox

import (
	"slices"
	"strings"
)

// Compare orders messages by (CreatedAt, ID) ascending.
func Compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Later reports whether a sorts strictly after b.
func Later(a, b Message) bool { return Compare(a, b) > 0 }

// Fold merges two deliveries of the same message id.
// The newer delivery wins on every field except IsRead, which never regresses.
func Fold(prev, next Message) Message {
	out := next
	out.IsRead = prev.IsRead || next.IsRead
	return out
}

// Threads maps a counterpart id to its messages in ascending (CreatedAt, ID) order.
type Threads map[string][]Message

// Normalize groups a raw batch by counterpart, folds duplicate ids and sorts each thread.
// Messages that fail validation or do not involve viewerID are skipped and reported.
// Normalize is idempotent: a batch concatenated with itself yields the same Threads.
func Normalize(viewerID string, batch []Message) (Threads, []error) {
	var rejected []error

	byID := make(map[string]Message, len(batch))
	order := make([]string, 0, len(batch))
	for _, m := range batch {
		if err := m.Validate(); err != nil {
			rejected = append(rejected, err)
			continue
		}
		if _, ok := m.Counterpart(viewerID); !ok {
			rejected = append(rejected, invalid("inbox.Normalize", m.ID, "viewer not a participant"))
			continue
		}
		if prev, ok := byID[m.ID]; ok {
			byID[m.ID] = Fold(prev, m)
			continue
		}
		byID[m.ID] = m
		order = append(order, m.ID)
	}

	out := make(Threads)
	for _, id := range order {
		m := byID[id]
		cp, _ := m.Counterpart(viewerID)
		out[cp] = append(out[cp], m)
	}
	for cp := range out {
		slices.SortFunc(out[cp], Compare)
	}
	return out, rejected
}

// SortThread returns a deduplicated, ordered copy of one thread.
// Invalid messages are dropped.
func SortThread(msgs []Message) []Message {
	byID := make(map[string]int, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Validate() != nil {
			continue
		}
		if i, ok := byID[m.ID]; ok {
			out[i] = Fold(out[i], m)
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	slices.SortFunc(out, Compare)
	return out
}

// Flatten returns every message of t in a deterministic order: counterparts ascending,
// then each thread in its own order.
func (t Threads) Flatten() []Message {
	keys := make([]string, 0, len(t))
	n := 0
	for k, v := range t {
		keys = append(keys, k)
		n += len(v)
	}
	slices.Sort(keys)

	out := make([]Message, 0, n)
	for _, k := range keys {
		out = append(out, t[k]...)
	}
	return out
}
