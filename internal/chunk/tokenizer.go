package chunk

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer converts text to and from the token stream used for chunk
// sizing. The production tokenizer matches the embedding model vocabulary so
// chunk budgets line up with what the provider actually counts.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type bpeTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer returns a cl100k_base BPE tokenizer.
func NewTokenizer() (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base encoding: %w", err)
	}
	return &bpeTokenizer{enc: enc}, nil
}

func (t *bpeTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *bpeTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}
