// Package segment splits long replies into SMS-sized parts.
//
// Lengths are counted in characters (runes). A reply that fits the budget is
// sent as-is; longer replies are split greedily at sentence ends or whitespace
// and every part carries a "(part i/n)" marker.
package segment

import (
	"errors"
	"fmt"
	"strconv"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultBudget is the maximum body length of one segment.
	DefaultBudget = 150
	// DefaultHardLimit is the length of one single-encoding SMS. Every part,
	// marker included, fits one message on the handset.
	DefaultHardLimit = 160

	// minHardLimit keeps room for at least a few characters next to the widest marker.
	minHardLimit = 20
	// maxPasses bounds the marker-width fixed point; it converges in two or three.
	maxPasses = 8
)

var (
	ErrInvalidBudget    = errors.New("segment budget must be positive")
	ErrInvalidHardLimit = errors.New("segment hard limit must be at least the budget and leave room for a part marker")
	// ErrTooLong is returned when a reply needs so many parts that their
	// markers leave no room for text under the hard limit.
	ErrTooLong = errors.New("reply too long to split under the hard limit")
	// ErrNoConvergence is returned when the part count keeps changing the marker width.
	ErrNoConvergence = errors.New("segment count did not converge")
)

// Config controls segment sizes.
type Config struct {
	Budget    int
	HardLimit int
}

// DefaultConfig returns the default segment sizes.
func DefaultConfig() Config {
	return Config{Budget: DefaultBudget, HardLimit: DefaultHardLimit}
}

// Validate checks that the limits can produce segments.
func (c Config) Validate() error {
	if c.Budget <= 0 {
		return ErrInvalidBudget
	}
	if c.HardLimit < c.Budget || c.HardLimit < minHardLimit {
		return ErrInvalidHardLimit
	}
	return nil
}

// Segment is one part of a split reply.
type Segment struct {
	Index int    `json:"index"` // 1-based
	Total int    `json:"total"`
	Body  string `json:"body"` // slice of the original reply
	Text  string `json:"text"` // Body plus the part marker, what is actually sent
}

// Marker returns the suffix appended to Body, empty for single-part replies.
func (s Segment) Marker() string {
	return s.Text[len(s.Body):]
}

// Segmenter splits replies according to its Config. It holds no state between calls.
type Segmenter struct {
	cfg Config
}

// New creates a Segmenter after validating cfg.
func New(cfg Config) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{cfg: cfg}, nil
}

// Config returns the segment sizes in use.
func (s *Segmenter) Config() Config {
	return s.cfg
}

// Split returns the ordered segments of text. Empty text yields no segments.
func (s *Segmenter) Split(text string) ([]Segment, error) {
	if text == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(text) <= s.cfg.Budget {
		return []Segment{{Index: 1, Total: 1, Body: text, Text: text}}, nil
	}

	runes := []rune(text)
	total := 2
	var chunks []string
	converged := false
	for pass := 0; pass < maxPasses; pass++ {
		room := s.cfg.HardLimit - markerWidth(total)
		if room < 1 {
			return nil, fmt.Errorf("%w: %d characters, %d parts", ErrTooLong, len(runes), total)
		}
		// A body that ends in whitespace drops the marker's leading space.
		limit, spaceLimit := min(s.cfg.Budget, room), min(s.cfg.Budget, room+1)
		chunks = chunk(runes, limit, spaceLimit)
		if len(chunks) <= total {
			converged = true
			break
		}
		total = len(chunks)
	}
	if !converged {
		return nil, fmt.Errorf("%w after %d passes", ErrNoConvergence, maxPasses)
	}

	segments := make([]Segment, len(chunks))
	for i, body := range chunks {
		segments[i] = Segment{
			Index: i + 1,
			Total: len(chunks),
			Body:  body,
			Text:  Compose(body, i+1, len(chunks)),
		}
	}
	return segments, nil
}

// Compose returns the text sent for one part: body plus its marker, or body
// alone for a single-part reply.
func Compose(body string, index, total int) string {
	if total <= 1 {
		return body
	}
	return body + marker(body, index, total)
}

// markerWidth is the widest marker any part of a total-part reply can carry.
func markerWidth(total int) int {
	digits := len(strconv.Itoa(total))
	return len(" (part /)") + 2*digits
}

func marker(body string, index, total int) string {
	m := fmt.Sprintf("(part %d/%d)", index, total)
	last, _ := utf8.DecodeLastRuneInString(body)
	if unicode.IsSpace(last) {
		return m
	}
	return " " + m
}

// chunk cuts runes into pieces of at most limit runes, or spaceLimit runes
// when the piece ends in whitespace.
func chunk(runes []rune, limit, spaceLimit int) []string {
	var out []string
	pos := 0
	for len(runes)-pos > limit {
		window := runes[pos:min(pos+spaceLimit, len(runes))]
		cut := breakPoint(window)
		if cut > limit && !unicode.IsSpace(window[cut-1]) {
			cut = limit
		}
		out = append(out, string(runes[pos:pos+cut]))
		pos += cut
	}
	if pos < len(runes) {
		out = append(out, string(runes[pos:]))
	}
	return out
}

// breakPoint returns how many runes of window to take: after the last sentence
// end, else after the last whitespace, else the whole window.
func breakPoint(window []rune) int {
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) && isSentenceEnd(window[i-1]) {
			return i + 1
		}
	}
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return len(window)
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
