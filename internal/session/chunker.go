package session

import (
	"strings"
	"unicode/utf8"
)

// chunker splits a streamed model response into speakable chunks. The first
// chunk is released as soon as enough words have arrived so the client can
// start rendering before any sentence completes; after that, chunks are cut
// on sentence boundaries, folding sentences that are too short into the next
// one.
type chunker struct {
	firstChunkWords  int
	minSentenceRunes int

	buf          strings.Builder
	emittedFirst bool
}

func newChunker(firstChunkWords, minSentenceRunes int) *chunker {
	if firstChunkWords <= 0 {
		firstChunkWords = 5
	}
	if minSentenceRunes <= 0 {
		minSentenceRunes = 10
	}
	return &chunker{
		firstChunkWords:  firstChunkWords,
		minSentenceRunes: minSentenceRunes,
	}
}

// isTerminal reports whether r ends a speakable sentence. The pipe shows up
// in model output as a list separator and is treated as a cut point; the
// Devanagari danda ends Hindi sentences.
func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '|', '।':
		return true
	}
	return false
}

// push folds in a streamed delta and returns any chunks that became ready.
func (c *chunker) push(delta string) []string {
	if delta == "" {
		return nil
	}
	c.buf.WriteString(delta)

	var ready []string
	if !c.emittedFirst {
		text := c.buf.String()
		if len(strings.Fields(text)) >= c.firstChunkWords {
			chunk := strings.TrimSpace(text)
			if chunk != "" {
				ready = append(ready, chunk)
			}
			c.buf.Reset()
			c.emittedFirst = true
		}
		return ready
	}

	ready = append(ready, c.cutSentences()...)
	return ready
}

// cutSentences drains complete sentences from the buffer, keeping any
// unterminated tail for the next delta.
func (c *chunker) cutSentences() []string {
	text := c.buf.String()
	var ready []string
	start := 0

	for i, r := range text {
		if !isTerminal(r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		if utf8.RuneCountInString(strings.TrimSpace(text[start:end])) < c.minSentenceRunes {
			// Too short to stand alone; extend into the next sentence.
			continue
		}
		// A trailing pipe is a separator, not punctuation to speak.
		chunk := strings.TrimSpace(strings.TrimSuffix(text[start:end], "|"))
		if chunk != "" {
			ready = append(ready, chunk)
		}
		start = end
	}

	if start > 0 {
		rest := text[start:]
		c.buf.Reset()
		c.buf.WriteString(rest)
	}
	return ready
}

// flush returns whatever text remains, terminated or not.
func (c *chunker) flush() string {
	rest := strings.TrimSpace(strings.Trim(c.buf.String(), "|"))
	c.buf.Reset()
	c.emittedFirst = true
	return rest
}
