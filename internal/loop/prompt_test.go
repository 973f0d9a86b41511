package loop

import (
	"testing"

	"github.com/zulandar/conductor/internal/llm"
)

func userMsg(texts ...string) llm.Message {
	blocks := make([]llm.Block, 0, len(texts))
	for _, t := range texts {
		blocks = append(blocks, llm.TextBlock(t))
	}
	return llm.Message{Role: llm.RoleUser, Content: blocks}
}

func assistantMsg(text string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, Content: []llm.Block{llm.TextBlock(text)}}
}

func TestInjectPromptCaching_MarksThreeNewestUserTurns(t *testing.T) {
	messages := []llm.Message{
		userMsg("u1"),
		assistantMsg("a1"),
		userMsg("u2"),
		assistantMsg("a2"),
		userMsg("u3"),
		assistantMsg("a3"),
		userMsg("u4"),
	}

	injectPromptCaching(messages)

	// Three newest user turns carry a breakpoint on their last block.
	for _, i := range []int{2, 4, 6} {
		last := len(messages[i].Content) - 1
		if !messages[i].Content[last].CacheControl {
			t.Errorf("message %d missing cache breakpoint", i)
		}
	}
	if messages[0].Content[0].CacheControl {
		t.Error("4th newest user turn must not carry a breakpoint")
	}
}

func TestInjectPromptCaching_StripsFourthCandidate(t *testing.T) {
	messages := []llm.Message{
		userMsg("u1"),
		userMsg("u2"),
		userMsg("u3"),
		userMsg("u4"),
		userMsg("u5"),
	}
	// A breakpoint left over from the previous iteration.
	messages[1].Content[0].CacheControl = true

	injectPromptCaching(messages)

	if messages[1].Content[0].CacheControl {
		t.Error("stale breakpoint on 4th candidate not stripped")
	}
	for _, i := range []int{2, 3, 4} {
		if !messages[i].Content[0].CacheControl {
			t.Errorf("message %d missing breakpoint", i)
		}
	}
}

func TestInjectPromptCaching_MarksLastBlockOfMultiBlockTurn(t *testing.T) {
	messages := []llm.Message{userMsg("a", "b", "c")}
	injectPromptCaching(messages)
	if messages[0].Content[0].CacheControl || messages[0].Content[1].CacheControl {
		t.Error("breakpoint on non-final block")
	}
	if !messages[0].Content[2].CacheControl {
		t.Error("last block missing breakpoint")
	}
}

// toolResultsWithImages builds one user message holding n single-image
// tool results.
func toolResultsWithImages(n int) llm.Message {
	blocks := make([]llm.Block, 0, n)
	for i := 0; i < n; i++ {
		blocks = append(blocks, llm.Block{
			Type:      llm.BlockToolResult,
			ToolUseID: "tu",
			Content: []llm.Block{
				llm.TextBlock("output"),
				{Type: llm.BlockImage, ImageData: "png"},
			},
		})
	}
	return llm.Message{Role: llm.RoleUser, Content: blocks}
}

func countImages(messages []llm.Message) int {
	n := 0
	for _, m := range messages {
		for _, block := range m.Content {
			for _, inner := range block.Content {
				if inner.Type == llm.BlockImage {
					n++
				}
			}
		}
	}
	return n
}

func TestFilterImages_RemovesOldestInChunks(t *testing.T) {
	messages := []llm.Message{toolResultsWithImages(12)}

	// 12 images, keep 5: 7 over, rounded down to one chunk of 4.
	filterImages(messages, 5, 4)

	if got := countImages(messages); got != 8 {
		t.Errorf("images after filter = %d, want 8", got)
	}
	// Oldest results lost their images first.
	for i := 0; i < 4; i++ {
		for _, inner := range messages[0].Content[i].Content {
			if inner.Type == llm.BlockImage {
				t.Errorf("tool result %d kept its image, want oldest removed", i)
			}
		}
	}
	// Text content survives the trim.
	if len(messages[0].Content[0].Content) != 1 || messages[0].Content[0].Content[0].Type != llm.BlockText {
		t.Errorf("tool result 0 content = %+v, want text only", messages[0].Content[0].Content)
	}
}

func TestFilterImages_NoRemovalBelowChunk(t *testing.T) {
	messages := []llm.Message{toolResultsWithImages(12)}

	// 2 over the keep count but under one chunk of 5: nothing removed.
	filterImages(messages, 10, 5)

	if got := countImages(messages); got != 12 {
		t.Errorf("images after filter = %d, want 12", got)
	}
}

func TestFilterImages_UnderKeepIsNoOp(t *testing.T) {
	messages := []llm.Message{toolResultsWithImages(3)}
	filterImages(messages, 10, 5)
	if got := countImages(messages); got != 3 {
		t.Errorf("images after filter = %d, want 3", got)
	}
}
