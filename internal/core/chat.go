package core

import "github.com/friespotatotissue/please/internal/protocol"

// ChatHistorySize is the number of chat lines a room retains.
const ChatHistorySize = 50

// chatHistory is a FIFO of the most recent chat lines.
type chatHistory struct {
	max   int
	lines []protocol.ChatMessage
}

func newChatHistory(max int) *chatHistory {
	if max <= 0 {
		max = ChatHistorySize
	}
	return &chatHistory{max: max}
}

func (h *chatHistory) insert(msg protocol.ChatMessage) {
	h.lines = append(h.lines, msg)
	if over := len(h.lines) - h.max; over > 0 {
		h.lines = append(h.lines[:0:0], h.lines[over:]...)
	}
}

func (h *chatHistory) snapshot() []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, len(h.lines))
	copy(out, h.lines)
	return out
}

func (h *chatHistory) size() int { return len(h.lines) }
