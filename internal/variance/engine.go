package variance

// Engine owns one Window per pair. It is not safe for concurrent use: the owner (one
// feed-shard worker) is the only writer of the pairs routed to it.
type Engine struct {
	size    int
	windows map[string]*Window
}

// NewEngine creates an engine whose windows hold size samples (0 = cumulative).
func NewEngine(size int) *Engine {
	return &Engine{
		size:    size,
		windows: make(map[string]*Window),
	}
}

// Has reports whether the pair already has accumulator state.
func (e *Engine) Has(pair string) bool {
	_, ok := e.windows[pair]
	return ok
}

// Seed creates the pair's window from historical samples, oldest first.
// Existing state for the pair is replaced.
func (e *Engine) Seed(pair string, samples []Sample) {
	w := NewWindow(e.size)
	for _, s := range samples {
		w.Fold(s)
	}
	e.windows[pair] = w
}

// Fold incorporates a sample for pair. It returns false if the sample was already folded.
func (e *Engine) Fold(pair string, s Sample) bool {
	return e.window(pair).Fold(s)
}

// Remove reverses the fold of the sample with the given id.
func (e *Engine) Remove(pair, id string) bool {
	w, ok := e.windows[pair]
	if !ok {
		return false
	}
	return w.Remove(id)
}

// Seen reports whether the sample id is currently part of the pair's window.
func (e *Engine) Seen(pair, id string) bool {
	w, ok := e.windows[pair]
	return ok && w.Contains(id)
}

// StdDev returns the pair's population standard deviation, false for insufficient data.
func (e *Engine) StdDev(pair string) (float64, bool) {
	w, ok := e.windows[pair]
	if !ok {
		return 0, false
	}
	return w.StdDev()
}

// Count returns the number of samples the pair's statistic covers.
func (e *Engine) Count(pair string) int {
	w, ok := e.windows[pair]
	if !ok {
		return 0
	}
	return w.Len()
}

// Pairs returns the number of pairs with state.
func (e *Engine) Pairs() int {
	return len(e.windows)
}

// Forget drops the pair's state so it is reconstructed on next touch.
func (e *Engine) Forget(pair string) {
	delete(e.windows, pair)
}

func (e *Engine) window(pair string) *Window {
	w, ok := e.windows[pair]
	if !ok {
		w = NewWindow(e.size)
		e.windows[pair] = w
	}
	return w
}
