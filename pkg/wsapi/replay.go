package wsapi

// replayRing is a bounded FIFO of recent frames for one session. When
// full, the oldest frame drops. Callers hold the API mutex.
type replayRing struct {
	frames []map[string]any
	start  int
	count  int
}

func newReplayRing(capacity int) *replayRing {
	return &replayRing{frames: make([]map[string]any, capacity)}
}

func (r *replayRing) append(frame map[string]any) {
	if len(r.frames) == 0 {
		return
	}
	idx := (r.start + r.count) % len(r.frames)
	r.frames[idx] = frame
	if r.count < len(r.frames) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.frames)
	}
}

// snapshot returns the retained frames oldest first.
func (r *replayRing) snapshot() []map[string]any {
	out := make([]map[string]any, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.frames[(r.start+i)%len(r.frames)])
	}
	return out
}
