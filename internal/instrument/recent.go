package instrument

// recentLines keeps the last lines received from the active transport for error reports.
type recentLines struct {
	lines []string
	next  int
	full  bool
}

func newRecentLines(capacity int) *recentLines {
	if capacity <= 0 {
		capacity = 1
	}
	return &recentLines{lines: make([]string, capacity)}
}

func (r *recentLines) push(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the stored lines, oldest first.
func (r *recentLines) snapshot() []string {
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}
