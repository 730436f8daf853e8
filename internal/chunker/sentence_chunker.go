package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultTargetSize     = 1500
	DefaultOverlapPercent = 30
	// MinChunkChars is the length a chunk must exceed to be emitted.
	MinChunkChars = 100
)

// SentenceChunker packs sentences into chunks of roughly targetSize characters,
// seeding each new chunk with a character suffix of the previous one.
type SentenceChunker struct {
	targetSize     int
	overlapPercent int
}

func NewSentenceChunker(targetSize, overlapPercent int) *SentenceChunker {
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	if overlapPercent < 0 || overlapPercent >= 100 {
		overlapPercent = DefaultOverlapPercent
	}
	return &SentenceChunker{
		targetSize:     targetSize,
		overlapPercent: overlapPercent,
	}
}

// Chunk splits text into overlapping, sentence-aligned chunks.
func (c *SentenceChunker) Chunk(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	var chunks []string
	var buf string
	// tail holds the sentences added since the last emit, without the overlap seed
	var tail []string
	longest := 0
	for _, sent := range SplitSentences(trimmed) {
		longest = max(longest, runeLen(sent))
		if buf == "" {
			buf = sent
			tail = append(tail, sent)
			continue
		}
		if runeLen(buf)+1+runeLen(sent) > c.targetSize && runeLen(buf) > MinChunkChars {
			closed := strings.TrimSpace(buf)
			chunks = append(chunks, closed)
			buf = joinSentence(c.overlap(closed), sent)
			tail = []string{sent}
			continue
		}
		buf = joinSentence(buf, sent)
		tail = append(tail, sent)
	}
	last := strings.TrimSpace(buf)
	switch {
	case runeLen(last) > MinChunkChars:
		chunks = append(chunks, last)
	case len(chunks) > 0 && len(tail) > 0:
		// Short remainder: fold the new sentences into the previous chunk so
		// no sentence is lost, unless that would overflow the size bound.
		prev := chunks[len(chunks)-1]
		rest := strings.Join(tail, " ")
		if folded := prev + " " + rest; runeLen(folded) <= c.targetSize+longest {
			chunks[len(chunks)-1] = folded
		} else {
			chunks = append(chunks, seedToMinimum(prev, rest))
		}
	}
	if len(chunks) == 0 && runeLen(trimmed) > MinChunkChars {
		chunks = append(chunks, trimmed)
	}
	return chunks
}

func (c *SentenceChunker) overlap(chunk string) string {
	if c.overlapPercent == 0 {
		return ""
	}
	runes := []rune(chunk)
	n := len(runes) * c.overlapPercent / 100
	if n == 0 {
		return ""
	}
	return string(runes[len(runes)-n:])
}

// seedToMinimum prefixes rest with the shortest suffix of prev that makes the
// result longer than MinChunkChars.
func seedToMinimum(prev, rest string) string {
	runes := []rune(prev)
	for n := 1; n <= len(runes); n++ {
		out := joinSentence(strings.TrimSpace(string(runes[len(runes)-n:])), rest)
		if runeLen(out) > MinChunkChars {
			return out
		}
	}
	return joinSentence(prev, rest)
}

// SplitSentences splits on '.', '!' or '?' when followed by whitespace and an
// upper-case letter. The terminal punctuation stays with its sentence.
func SplitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j == i+1 || j >= len(runes) || !unicode.IsUpper(runes[j]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = j
		i = j - 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func joinSentence(buf, sent string) string {
	if buf == "" {
		return sent
	}
	return buf + " " + sent
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
