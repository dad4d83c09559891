package logstream

// ring is a fixed-capacity FIFO of lines; pushing into a full ring evicts
// the oldest line.
type ring struct {
	lines []Line
	head  int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{lines: make([]Line, capacity)}
}

func (r *ring) push(line Line) {
	size := len(r.lines)
	idx := (r.head + r.count) % size
	if r.count < size {
		r.count++
	} else {
		r.head = (r.head + 1) % size
	}
	r.lines[idx] = line
}

// since returns lines with Seq greater than after, oldest first.
func (r *ring) since(after uint64) []Line {
	size := len(r.lines)
	out := make([]Line, 0, r.count)
	for i := 0; i < r.count; i++ {
		line := r.lines[(r.head+i)%size]
		if line.Seq > after {
			out = append(out, line)
		}
	}
	return out
}

func (r *ring) reset() {
	for i := range r.lines {
		r.lines[i] = Line{}
	}
	r.head = 0
	r.count = 0
}

func (r *ring) len() int {
	return r.count
}
