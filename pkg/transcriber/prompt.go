package transcriber

import "strings"

// antiHallucinationPreamble primes the decoder against the filler phrases
// whisper models are known to produce from silence and noise.
const antiHallucinationPreamble = "The speaker is not saying thank you, " +
	"thanks for watching, or please subscribe."

// AssemblePrompt builds the guidance string for the next backend call:
// the anti-hallucination preamble, the user-supplied initial prompt, and
// the space-joined contents of the rolling context window.
func AssemblePrompt(initialPrompt string, contextWindow []string) string {
	parts := []string{antiHallucinationPreamble}
	if p := strings.TrimSpace(initialPrompt); p != "" {
		parts = append(parts, p)
	}
	if len(contextWindow) > 0 {
		parts = append(parts, strings.Join(contextWindow, " "))
	}
	return strings.Join(parts, " ")
}
