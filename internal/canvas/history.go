package canvas

// History is the local undo stack. It is never synchronized: undo
// rewinds this client's view only, and the resulting snapshot is saved
// like any other local mutation.
type History struct {
	snapshots [][]byte
	limit     int
}

const historyLimit = 20

func NewHistory() *History {
	return &History{limit: historyLimit}
}

// Push records a snapshot taken before a mutation. Beyond the limit the
// oldest entry is dropped.
func (h *History) Push(snapshot []byte) {
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	h.snapshots = append(h.snapshots, cp)
	if len(h.snapshots) > h.limit {
		h.snapshots = h.snapshots[1:]
	}
}

// Pop returns the most recent snapshot, or nil when empty.
func (h *History) Pop() []byte {
	if len(h.snapshots) == 0 {
		return nil
	}
	last := h.snapshots[len(h.snapshots)-1]
	h.snapshots = h.snapshots[:len(h.snapshots)-1]
	return last
}

func (h *History) Len() int { return len(h.snapshots) }

// Reset drops all entries, used when an external change replaces the
// canvas and local undo no longer makes sense.
func (h *History) Reset() {
	h.snapshots = nil
}
