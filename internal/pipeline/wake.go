package pipeline

import (
	"strings"
)

const wakeTrim = " ,.!?;:-\"'`~"

// WakeFilter only lets transcripts through that address the assistant by a
// wake phrase. With a zero window the phrase must open the transcript;
// otherwise it may appear within the first window*3 words.
type WakeFilter struct {
	Phrases []string
	WindowS int
}

func NewWakeFilter(phrases []string, windowS int) *WakeFilter {
	var clean []string
	for _, p := range phrases {
		p = strings.Join(strings.Fields(strings.ToLower(p)), " ")
		if p != "" {
			clean = append(clean, p)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return &WakeFilter{Phrases: clean, WindowS: windowS}
}

// Detect returns (matched, stripped). stripped is the text after the wake
// phrase and may be empty when the user only said the phrase.
func (w *WakeFilter) Detect(text string) (bool, string) {
	orig := strings.Fields(text)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 || len(words) != len(orig) {
		return false, ""
	}
	limit := len(words)
	if w.WindowS > 0 {
		k := w.WindowS * 3
		if k < 3 {
			k = 3
		}
		if k < limit {
			limit = k
		}
	}
	for _, phrase := range w.Phrases {
		pw := strings.Fields(phrase)
		last := 0
		if w.WindowS > 0 {
			last = limit - len(pw)
		}
		for i := 0; i <= last && i+len(pw) <= len(words); i++ {
			if matchTokens(words[i:i+len(pw)], pw) {
				rest := strings.Join(orig[i+len(pw):], " ")
				return true, strings.TrimLeft(rest, wakeTrim)
			}
		}
	}
	return false, ""
}

func matchTokens(got, want []string) bool {
	for i := range want {
		if strings.Trim(got[i], wakeTrim) != strings.Trim(want[i], wakeTrim) {
			return false
		}
	}
	return true
}
