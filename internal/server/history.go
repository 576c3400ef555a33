package server

// Message store limits.
const (
	HistoryCapacity = 100
	HistorySyncSize = 50
)

// History is the bounded chat log. It is not safe for concurrent use; the hub
// goroutine owns it and guards reads from other goroutines.
type History struct {
	capacity int
	messages []ChatMessage
}

// NewHistory returns an empty history holding at most capacity messages.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = HistoryCapacity
	}
	return &History{
		capacity: capacity,
		messages: make([]ChatMessage, 0, capacity),
	}
}

// Append adds msg and evicts the oldest entries beyond capacity.
func (h *History) Append(msg ChatMessage) {
	h.messages = append(h.messages, msg)
	if over := len(h.messages) - h.capacity; over > 0 {
		kept := make([]ChatMessage, h.capacity)
		copy(kept, h.messages[over:])
		h.messages = kept
	}
}

// Recent returns a copy of the last n messages, oldest first.
func (h *History) Recent(n int) []ChatMessage {
	if n <= 0 {
		return []ChatMessage{}
	}
	if n > len(h.messages) {
		n = len(h.messages)
	}
	out := make([]ChatMessage, n)
	copy(out, h.messages[len(h.messages)-n:])
	return out
}

// Len reports the number of stored messages.
func (h *History) Len() int {
	return len(h.messages)
}
