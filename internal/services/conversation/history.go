package conversation

import "github.com/hypnos-tgbot-go/internal/models"

// history is a fixed capacity ring of turns, oldest evicted first
type history struct {
	buf   []models.Turn
	start int
	limit int
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

// push appends t and reports whether the oldest turn was evicted
func (h *history) push(t models.Turn) bool {
	if len(h.buf) < h.limit {
		h.buf = append(h.buf, t)
		return false
	}
	h.buf[h.start] = t
	h.start = (h.start + 1) % h.limit
	return true
}

func (h *history) len() int {
	return len(h.buf)
}

// snapshot copies the turns oldest first
func (h *history) snapshot() []models.Turn {
	out := make([]models.Turn, 0, len(h.buf))
	out = append(out, h.buf[h.start:]...)
	out = append(out, h.buf[:h.start]...)
	return out
}

func (h *history) reset() {
	h.buf = nil
	h.start = 0
}
