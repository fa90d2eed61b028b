package aggregator

// window is a fixed-capacity ring of the most recent observations. It is
// allocated once and never grows.
type window struct {
	qualifying []bool
	confidence []float64
	next       int
	size       int
	count      int
}

func newWindow(capacity int) *window {
	return &window{
		qualifying: make([]bool, capacity),
		confidence: make([]float64, capacity),
	}
}

// push stores one observation, evicting the oldest when full.
func (w *window) push(qualifying bool, confidence float64) {
	if w.size == len(w.qualifying) {
		if w.qualifying[w.next] {
			w.count--
		}
	} else {
		w.size++
	}

	w.qualifying[w.next] = qualifying
	w.confidence[w.next] = confidence
	if qualifying {
		w.count++
	}
	w.next = (w.next + 1) % len(w.qualifying)
}

// maxQualifying is the highest confidence among qualifying slots currently held.
func (w *window) maxQualifying() float64 {
	var best float64
	for i := 0; i < w.size; i++ {
		if w.qualifying[i] && w.confidence[i] > best {
			best = w.confidence[i]
		}
	}
	return best
}
