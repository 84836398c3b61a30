package transcriber

import "strings"

// Whisper models transcribing silence or noise are empirically biased toward
// a handful of video-outro filler phrases. This is a narrow, explicit
// denylist, not general sentiment filtering.
var hallucinationPhrases = map[string]struct{}{
	"Thank you.":                 {},
	"Thank you very much.":       {},
	"Thank you for watching.":    {},
	"Thanks for watching.":       {},
	"Thanks for watching!":       {},
	"Please subscribe.":          {},
	"Please like and subscribe.": {},
}

// hallucinationTriggers flag very short segments that are almost certainly
// filler rather than speech. Checked case-insensitively.
var hallucinationTriggers = []string{"thank", "thanks", "please", "subscribe"}

// maxTriggerWords is the length guard for the substring rule: longer
// segments containing "thank" etc. are real speech.
const maxTriggerWords = 3

// IsHallucination reports whether a trimmed transcript segment matches the
// known filler patterns.
func IsHallucination(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if _, ok := hallucinationPhrases[trimmed]; ok {
		return true
	}
	words := strings.Fields(trimmed)
	if len(words) > maxTriggerWords {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, trigger := range hallucinationTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// FilterSegment trims a segment and maps hallucinated text to the empty
// string. Idempotent: filtering already-filtered output is a no-op.
func FilterSegment(text string) string {
	trimmed := strings.TrimSpace(text)
	if IsHallucination(trimmed) {
		return ""
	}
	return trimmed
}
