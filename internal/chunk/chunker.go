// Package chunk splits cleaned page and document text into bounded,
// overlapping, token-measured passages ready for embedding.
package chunk

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// Chunk is one bounded passage derived from a single page or document.
type Chunk struct {
	Domain string
	URL    string
	Index  int
	Text   string
	Hash   string
}

// Config expresses chunk bounds in tokens, not characters.
type Config struct {
	SizeTokens    int
	OverlapTokens int
}

// Chunker turns cleaned text into an ordered sequence of chunks with
// contiguous indexes starting at zero.
type Chunker interface {
	Split(text, domain, pageURL string) []Chunk
}

// separatorTokenCost is the budgeted token cost of the paragraph separator
// inserted between packed paragraphs.
const separatorTokenCost = 2

const paragraphSeparator = "\n\n"

func validate(tok Tokenizer, cfg Config) error {
	if tok == nil {
		return errors.New("tokenizer is required")
	}
	if cfg.SizeTokens <= 0 {
		return errors.New("chunk size must be positive")
	}
	if cfg.OverlapTokens < 0 {
		return errors.New("chunk overlap must be non-negative")
	}
	return nil
}

// SlidingWindowChunker emits fixed-size token windows, each retreating by the
// overlap before advancing.
type SlidingWindowChunker struct {
	tok Tokenizer
	cfg Config
}

func NewSlidingWindow(tok Tokenizer, cfg Config) (*SlidingWindowChunker, error) {
	if err := validate(tok, cfg); err != nil {
		return nil, err
	}
	return &SlidingWindowChunker{tok: tok, cfg: cfg}, nil
}

func (c *SlidingWindowChunker) Split(text, domain, pageURL string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	tokens := c.tok.Encode(text)
	var chunks []Chunk
	appendWindows(&chunks, c.tok, tokens, c.cfg, domain, pageURL)
	return chunks
}

// appendWindows runs the sliding window over tokens, appending non-empty
// chunks. Start strictly advances even when overlap >= size, so a bad caller
// configuration degrades instead of looping.
func appendWindows(chunks *[]Chunk, tok Tokenizer, tokens []int, cfg Config, domain, pageURL string) {
	start := 0
	for start < len(tokens) {
		end := start + cfg.SizeTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		emit(chunks, tok, tokens[start:end], domain, pageURL)
		if end == len(tokens) {
			break
		}
		next := end - cfg.OverlapTokens
		if next <= start {
			next = start + 1
		}
		start = next
	}
}

func emit(chunks *[]Chunk, tok Tokenizer, window []int, domain, pageURL string) {
	text := strings.TrimSpace(tok.Decode(window))
	if text == "" {
		return
	}
	*chunks = append(*chunks, Chunk{
		Domain: domain,
		URL:    pageURL,
		Index:  len(*chunks),
		Text:   text,
		Hash:   HashText(text),
	})
}

// ParagraphChunker packs whole paragraphs into chunks, re-seeding each new
// chunk with the overlap tail of the previous one. Paragraphs larger than the
// chunk size fall back to sliding windows.
type ParagraphChunker struct {
	tok Tokenizer
	cfg Config
}

func NewParagraph(tok Tokenizer, cfg Config) (*ParagraphChunker, error) {
	if err := validate(tok, cfg); err != nil {
		return nil, err
	}
	return &ParagraphChunker{tok: tok, cfg: cfg}, nil
}

func (c *ParagraphChunker) Split(text, domain, pageURL string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sepTokens := c.tok.Encode(paragraphSeparator)
	var chunks []Chunk
	var buffer []int
	// seedOnly marks a buffer that holds nothing but the overlap tail of the
	// previous chunk. Such a buffer is context for the next paragraph, not a
	// chunk of its own.
	seedOnly := false

	flush := func() {
		if len(buffer) > 0 && !seedOnly {
			emit(&chunks, c.tok, buffer, domain, pageURL)
		}
		buffer = nil
		seedOnly = false
	}

	for _, paragraph := range splitParagraphs(text) {
		ptokens := c.tok.Encode(paragraph)
		if len(ptokens) == 0 {
			continue
		}

		if len(ptokens) > c.cfg.SizeTokens {
			flush()
			appendWindows(&chunks, c.tok, ptokens, c.cfg, domain, pageURL)
			if c.cfg.OverlapTokens > 0 {
				buffer = tail(ptokens, c.cfg.OverlapTokens)
				seedOnly = true
			}
			continue
		}

		sepCost := 0
		if len(buffer) > 0 {
			sepCost = separatorTokenCost
		}
		if len(buffer)+sepCost+len(ptokens) > c.cfg.SizeTokens {
			flushed := buffer
			flush()
			if c.cfg.OverlapTokens > 0 {
				buffer = tail(flushed, c.cfg.OverlapTokens)
				seedOnly = true
			}
		}
		if len(buffer) > 0 {
			buffer = append(buffer, sepTokens...)
		}
		buffer = append(buffer, ptokens...)
		seedOnly = false
	}
	flush()

	return chunks
}

func tail(tokens []int, n int) []int {
	if n >= len(tokens) {
		return append([]int(nil), tokens...)
	}
	return append([]int(nil), tokens[len(tokens)-n:]...)
}

func splitParagraphs(text string) []string {
	var paragraphs []string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				paragraphs = append(paragraphs, strings.Join(current, "\n"))
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, strings.Join(current, "\n"))
	}
	return paragraphs
}

// HashText is the dedup hash of a chunk's final trimmed text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum)
}
