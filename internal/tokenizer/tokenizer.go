// Package tokenizer counts model tokens with tiktoken-go. The cl100k_base
// encoding is loaded on first use; when it cannot be loaded, counts fall back
// to a character heuristic.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func load() *tiktoken.Tiktoken {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// Available reports whether the tiktoken encoding loaded.
func Available() bool { return load() != nil }

// Count returns the number of cl100k_base tokens in text, or EstimateFast
// when the encoding is unavailable.
func Count(text string) int {
	if enc := load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns max(runes/4, word count), at least 1 for non-blank text.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// PerLine returns the average token count per non-blank line of sample, or
// 0 when the sample has no code lines.
func PerLine(sample string, count func(string) int) float64 {
	if count == nil {
		count = Count
	}
	lines := 0
	for _, l := range strings.Split(sample, "\n") {
		if strings.TrimSpace(l) != "" {
			lines++
		}
	}
	if lines == 0 {
		return 0
	}
	return float64(count(sample)) / float64(lines)
}
