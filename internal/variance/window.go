package variance

// recentIDs bounds the identity ring kept in cumulative mode for duplicate detection.
const recentIDs = 256

// Sample is one value with its identity, used to make folds idempotent.
type Sample struct {
	ID    string
	Value float64
}

// Window keeps the statistic over the trailing size samples, or over every sample when
// size is 0 (cumulative mode). A Window is not safe for concurrent use.
type Window struct {
	size int

	ring []Sample
	head int // index of the oldest sample
	n    int
	ids  map[string]struct{}

	acc       Accumulator
	evictions int
}

// NewWindow creates a window of the given size; 0 selects cumulative mode.
func NewWindow(size int) *Window {
	capacity := size
	if size <= 0 {
		size = 0
		capacity = recentIDs
	}
	return &Window{
		size: size,
		ring: make([]Sample, capacity),
		ids:  make(map[string]struct{}, capacity),
	}
}

// Fold incorporates s, evicting the oldest member when the window is full.
// It returns false without changing anything if s.ID is already part of the window.
func (w *Window) Fold(s Sample) bool {
	if _, seen := w.ids[s.ID]; seen {
		return false
	}

	if w.n == len(w.ring) {
		oldest := w.ring[w.head]
		delete(w.ids, oldest.ID)
		if w.size > 0 {
			w.acc.Remove(oldest.Value)
			w.evictions++
		}
		w.ring[w.head] = s
		w.head = (w.head + 1) % len(w.ring)
	} else {
		w.ring[(w.head+w.n)%len(w.ring)] = s
		w.n++
	}

	w.ids[s.ID] = struct{}{}
	w.acc.Add(s.Value)

	if w.size > 0 && w.evictions >= w.size {
		w.rebase()
	}
	return true
}

// Remove takes the sample with the given id out of the window.
// It returns false when the id is not a member.
func (w *Window) Remove(id string) bool {
	if _, ok := w.ids[id]; !ok {
		return false
	}

	kept := make([]Sample, 0, w.n-1)
	var removed Sample
	for _, s := range w.Samples() {
		if s.ID == id {
			removed = s
			continue
		}
		kept = append(kept, s)
	}

	for i := range w.ring {
		w.ring[i] = Sample{}
	}
	copy(w.ring, kept)
	w.head = 0
	w.n = len(kept)
	delete(w.ids, id)
	w.acc.Remove(removed.Value)

	if w.size > 0 {
		w.evictions++
		if w.evictions >= w.size {
			w.rebase()
		}
	}
	return true
}

// Contains reports whether a sample with the id is in the window.
func (w *Window) Contains(id string) bool {
	_, ok := w.ids[id]
	return ok
}

// Samples returns the retained samples, oldest first. In cumulative mode these are only
// the most recent identities, not every folded value.
func (w *Window) Samples() []Sample {
	out := make([]Sample, 0, w.n)
	for i := 0; i < w.n; i++ {
		out = append(out, w.ring[(w.head+i)%len(w.ring)])
	}
	return out
}

// Len returns the number of samples the statistic covers.
func (w *Window) Len() int {
	return w.acc.Count()
}

// StdDev returns the population standard deviation and false for insufficient data.
func (w *Window) StdDev() (float64, bool) {
	return w.acc.StdDev()
}

// rebase re-derives mean and M2 from the retained samples to drop accumulated rounding
// error from repeated removals.
func (w *Window) rebase() {
	values := make([]float64, 0, w.n)
	for _, s := range w.Samples() {
		values = append(values, s.Value)
	}
	w.acc = FromValues(values)
	w.evictions = 0
}
