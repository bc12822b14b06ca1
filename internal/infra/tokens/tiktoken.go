package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"generation-reconciler/internal/domain/ports/adapter"
)

var _ adapter.TokenCounter = (*TiktokenCounter)(nil)

// TiktokenCounter counts prompt tokens with a BPE encoding. The encoding is
// loaded lazily because the first load may download the ranks file.
type TiktokenCounter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (c *TiktokenCounter) Count(text string) (int, error) {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding(c.encoding)
	})
	if c.err != nil {
		return 0, fmt.Errorf("tiktoken %s: %w", c.encoding, c.err)
	}
	return len(c.enc.Encode(text, nil, nil)), nil
}

// RuneCounter approximates tokens as runes/4 when no encoding is available.
type RuneCounter struct{}

func (RuneCounter) Count(text string) (int, error) {
	n := len([]rune(text))
	return (n + 3) / 4, nil
}
