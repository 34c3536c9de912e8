package pipeline

import (
	"slices"

	"github.com/parchment-ai/parchment/internal/llm"
	"github.com/parchment-ai/parchment/internal/tokens"
)

// truncateHistory drops the oldest user/assistant pairs until the message
// list fits the token budget. The system prompt and the final message (the
// newly assembled user turn) always survive, even over budget: dropping
// the current question would make the call pointless.
//
// Messages after the system prompt are removed pairwise so the history
// never starts with a dangling assistant reply.
func truncateHistory(msgs []llm.Message, enc tokens.Encoder, budget int) []llm.Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	if historyTokens(msgs, enc) <= budget {
		return msgs
	}

	var system []llm.Message
	rest := msgs
	if msgs[0].Role == llm.RoleSystem {
		system = msgs[:1]
		rest = msgs[1:]
	}
	if len(rest) == 0 {
		return msgs
	}

	current := rest[len(rest)-1]
	pairs := rest[:len(rest)-1]

	// Keep newest pairs first until the budget runs out.
	remaining := budget - historyTokens(system, enc) - messageTokens(current, enc)
	var kept []llm.Message
	for i := len(pairs) - 2; i >= 0; i -= 2 {
		pairTokens := messageTokens(pairs[i], enc) + messageTokens(pairs[i+1], enc)
		if remaining < pairTokens {
			break
		}
		kept = append(kept, pairs[i+1], pairs[i])
		remaining -= pairTokens
	}
	slices.Reverse(kept)

	out := make([]llm.Message, 0, len(system)+len(kept)+1)
	out = append(out, system...)
	out = append(out, kept...)
	return append(out, current)
}

func historyTokens(msgs []llm.Message, enc tokens.Encoder) int {
	total := 0
	for _, m := range msgs {
		total += messageTokens(m, enc)
	}
	return total
}

func messageTokens(m llm.Message, enc tokens.Encoder) int {
	return enc.CountTokens(m.Content)
}
