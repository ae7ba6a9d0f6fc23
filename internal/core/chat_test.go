package core

import (
	"fmt"
	"testing"

	"github.com/friespotatotissue/please/internal/protocol"
)

func TestChatHistoryEvictsOldestFirst(t *testing.T) {
	h := newChatHistory(0)
	for i := 0; i < ChatHistorySize+10; i++ {
		h.insert(protocol.ChatMessage{A: fmt.Sprint(i)})
		if h.size() > ChatHistorySize {
			t.Fatalf("history grew to %d", h.size())
		}
	}

	lines := h.snapshot()
	if lines[0].A != "10" || lines[len(lines)-1].A != fmt.Sprint(ChatHistorySize+9) {
		t.Fatalf("history window = %s..%s", lines[0].A, lines[len(lines)-1].A)
	}

	lines[0].A = "mutated"
	if h.snapshot()[0].A == "mutated" {
		t.Fatalf("snapshot aliases history")
	}
}
