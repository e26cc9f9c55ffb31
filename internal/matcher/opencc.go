package matcher

import (
	"fmt"
	"sync"

	"github.com/longbridgeapp/opencc"
	"github.com/rs/zerolog"
)

// OpenCC converter configurations used for Chinese script normalization.
const (
	TraditionalToSimplified = "t2s"
	SimplifiedToTraditional = "s2t"
)

type openccConverter struct {
	name string
	mu   sync.Mutex
	cc   *opencc.OpenCC
}

// NewOpenCC builds a converter for the named OpenCC configuration.
func NewOpenCC(config string) (Converter, error) {
	cc, err := opencc.New(config)
	if err != nil {
		return nil, fmt.Errorf("opencc %s: %w", config, err)
	}
	return &openccConverter{name: config, cc: cc}, nil
}

func (c *openccConverter) Name() string { return c.name }

// Convert serializes calls; the dictionary lookup keeps internal buffers.
func (c *openccConverter) Convert(text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cc.Convert(text)
}

// DefaultConverters returns the t2s and s2t converters. Any converter that
// cannot be built is skipped with a warning, so the matcher degrades to fewer
// variants instead of failing.
func DefaultConverters(log zerolog.Logger) []Converter {
	var convs []Converter
	for _, name := range []string{TraditionalToSimplified, SimplifiedToTraditional} {
		c, err := NewOpenCC(name)
		if err != nil {
			log.Warn().Err(err).Str("converter", name).
				Msg("script converter unavailable, matching without it")
			continue
		}
		convs = append(convs, c)
	}
	return convs
}
