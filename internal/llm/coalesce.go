package llm

import (
	"strings"
	"unicode/utf8"
)

// Coalescer merges token-sized deltas into phrase-sized chunks so websocket
// clients are not flooded with one frame per token.
type Coalescer struct {
	minChars int
	firstMin int

	pending string
	emitted bool
}

func NewCoalescer(minChars int) *Coalescer {
	if minChars <= 0 {
		minChars = 1
	}
	// The first chunk goes out early so the UI feels responsive.
	firstMin := minChars / 4
	if firstMin < 2 {
		firstMin = 2
	}
	if firstMin > minChars {
		firstMin = minChars
	}
	return &Coalescer{minChars: minChars, firstMin: firstMin}
}

// Consume buffers delta and returns any chunks ready to emit.
func (c *Coalescer) Consume(delta string) []string {
	if delta == "" {
		return nil
	}
	c.pending += delta
	return c.flush(false)
}

// Finalize returns whatever is still buffered.
func (c *Coalescer) Finalize() []string {
	return c.flush(true)
}

// Wrap returns a handler that coalesces before calling next, and a flush
// function to call once the stream ends successfully.
func (c *Coalescer) Wrap(next DeltaHandler) (DeltaHandler, func() error) {
	emit := func(chunks []string) error {
		for _, chunk := range chunks {
			if err := next(chunk); err != nil {
				return err
			}
		}
		return nil
	}
	return func(delta string) error { return emit(c.Consume(delta)) },
		func() error { return emit(c.Finalize()) }
}

func (c *Coalescer) flush(force bool) []string {
	var out []string
	for {
		threshold := c.minChars
		if !c.emitted {
			threshold = c.firstMin
		}
		segment, rest, ok := nextSegment(c.pending, threshold, force)
		if !ok {
			break
		}
		c.pending = rest
		if segment == "" {
			continue
		}
		out = append(out, segment)
		c.emitted = true
	}
	return out
}

func nextSegment(input string, minChars int, force bool) (segment, rest string, ok bool) {
	if input == "" {
		return "", "", false
	}
	if force {
		return input, "", true
	}
	if idx := boundaryAfterMin(input, minChars); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}
	// Long runs without punctuation are cut at whitespace.
	if len(input) >= minChars*2 {
		cut := whitespaceCut(input, minChars)
		return input[:cut], input[cut:], true
	}
	return "", input, false
}

func boundaryAfterMin(input string, minChars int) int {
	if minChars < 1 {
		minChars = 1
	}
	for i := minChars - 1; i < len(input); i++ {
		switch input[i] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	return -1
}

func whitespaceCut(input string, minChars int) int {
	if len(input) <= minChars {
		return len(input)
	}
	limit := min(minChars+20, len(input))
	for i := minChars; i < limit; i++ {
		if strings.ContainsRune(" \t\r\n", rune(input[i])) {
			return i
		}
	}
	cut := minChars
	for cut > 0 && !utf8.RuneStart(input[cut]) {
		cut--
	}
	if cut == 0 {
		_, cut = utf8.DecodeRuneInString(input)
	}
	return cut
}
