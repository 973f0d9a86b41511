package loop

import "github.com/zulandar/conductor/internal/llm"

// injectPromptCaching marks the last content item of each of the 3 newest
// user messages with a cache breakpoint, scanning newest-first, and strips
// any breakpoint from the 4th candidate. Only one turn enters per iteration,
// so at most one pre-existing breakpoint needs clearing per call.
func injectPromptCaching(messages []llm.Message) {
	remaining := 3
	for i := len(messages) - 1; i >= 0; i-- {
		m := &messages[i]
		if m.Role != llm.RoleUser || len(m.Content) == 0 {
			continue
		}
		last := len(m.Content) - 1
		if remaining > 0 {
			remaining--
			m.Content[last].CacheControl = true
			continue
		}
		m.Content[last].CacheControl = false
		break
	}
}

// filterImages drops the oldest tool-result images beyond the keep count.
// Screenshots lose value as the conversation progresses, so removal starts at
// the front; the removal count is rounded down to a multiple of chunk so the
// prompt prefix changes in large steps rather than one image at a time.
func filterImages(messages []llm.Message, keep, chunk int) {
	if chunk < 1 {
		chunk = 1
	}

	total := 0
	for _, m := range messages {
		for _, block := range m.Content {
			if block.Type != llm.BlockToolResult {
				continue
			}
			for _, inner := range block.Content {
				if inner.Type == llm.BlockImage {
					total++
				}
			}
		}
	}

	remove := total - keep
	remove -= remove % chunk
	if remove <= 0 {
		return
	}

	for i := range messages {
		for j := range messages[i].Content {
			block := &messages[i].Content[j]
			if block.Type != llm.BlockToolResult {
				continue
			}
			kept := make([]llm.Block, 0, len(block.Content))
			for _, inner := range block.Content {
				if inner.Type == llm.BlockImage && remove > 0 {
					remove--
					continue
				}
				kept = append(kept, inner)
			}
			block.Content = kept
		}
	}
}
