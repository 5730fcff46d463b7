package matcher

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned for conditions or strings the matcher cannot evaluate,
// such as module calls or base64 modifiers.
var ErrUnsupported = errors.New("matcher: unsupported construct")

// ErrTooLarge is returned when the scanned buffer exceeds MaxScanBytes.
var ErrTooLarge = errors.New("matcher: input exceeds scan limit")

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

// Match is one occurrence of a string in the scanned data.
type Match struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// ScanResult holds the string occurrences of one rule over one buffer.
type ScanResult struct {
	Data []byte
	// IDs lists the rule's string identifiers in declaration order; "them" expands to it.
	IDs     []string
	Matches map[string][]Match
	// Rules maps names of rules evaluated earlier to their outcome.
	Rules map[string]bool
}

func NewScanResult(data []byte) *ScanResult {
	return &ScanResult{
		Data:    data,
		Matches: make(map[string][]Match),
		Rules:   make(map[string]bool),
	}
}

// Count returns the number of occurrences of string id.
func (r *ScanResult) Count(id string) int { return len(r.Matches[id]) }

func (r *ScanResult) Matched(id string) bool { return len(r.Matches[id]) > 0 }
