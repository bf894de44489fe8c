// Package transcript implements the per-agent bounded, timestamped output
// ring buffer described in spec §4.2: appends evict whole entries from the
// front until the new entry fits under the byte cap (or the ring is empty),
// relative order of survivors is preserved.
package transcript

// Entry is one append: a slice of output bytes stamped with the wall-clock
// millisecond at which it was appended.
type Entry struct {
	TimestampMS int64
	Data        []byte
}

// Ring is a byte-capped ring buffer of Entry values.
type Ring struct {
	cap     int
	size    int
	entries []Entry
}

// New creates a Ring with the given byte capacity.
func New(capBytes int) *Ring {
	return &Ring{cap: capBytes}
}

// Append adds data stamped with nowMS. Empty input is a no-op. If the new
// entry would push the total over cap, whole entries are evicted from the
// front (oldest first) until it fits or the ring is empty; a single entry
// larger than cap is still appended after the ring has been drained, so an
// oversized single append can itself temporarily exceed cap.
func (r *Ring) Append(nowMS int64, data []byte) {
	if len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	entrySize := len(cp)

	for r.size+entrySize > r.cap && len(r.entries) > 0 {
		old := r.entries[0]
		r.entries = r.entries[1:]
		r.size -= len(old.Data)
	}

	r.entries = append(r.entries, Entry{TimestampMS: nowMS, Data: cp})
	r.size += entrySize
}

// Since returns every entry with TimestampMS >= ts, in order. It is a
// contiguous suffix of All() ordered by timestamp.
func (r *Ring) Since(ts int64) []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.TimestampMS >= ts {
			out = append(out, e)
		}
	}
	return out
}

// All returns every surviving entry, in insertion order.
func (r *Ring) All() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// AllBytes flattens every entry's data, in order.
func (r *Ring) AllBytes() []byte {
	out := make([]byte, 0, r.size)
	for _, e := range r.entries {
		out = append(out, e.Data...)
	}
	return out
}

// TailBytes returns the last n bytes across the tail of the buffer,
// splicing a partial prefix of the oldest needed entry if n falls in the
// middle of it, with order preserved.
func (r *Ring) TailBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	var chunks [][]byte
	collected := 0
	for i := len(r.entries) - 1; i >= 0 && collected < n; i-- {
		data := r.entries[i].Data
		remaining := n - collected
		take := len(data)
		if take > remaining {
			take = remaining
		}
		chunks = append(chunks, data[len(data)-take:])
		collected += take
	}
	out := make([]byte, 0, collected)
	for i := len(chunks) - 1; i >= 0; i-- {
		out = append(out, chunks[i]...)
	}
	return out
}

// Size returns the current total size in bytes of all surviving entries.
func (r *Ring) Size() int {
	return r.size
}

// Clear empties the ring.
func (r *Ring) Clear() {
	r.entries = nil
	r.size = 0
}
