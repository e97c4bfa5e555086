package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedKey is returned when a key or integral identifier cannot be decoded.
var ErrMalformedKey = errors.New("malformed key")

// Index is a multi-index: one integer per propagator slot. Its string form
// "2,1,0,3" is used verbatim in cache file names and integral symbols.
type Index []int

// Parse decodes the comma separated form produced by Index.String. Only
// that exact form is accepted, so distinct strings never name the same key.
func Parse(s string) (Index, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedKey)
	}
	parts := strings.Split(s, ",")
	out := make(Index, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrMalformedKey, s, err)
		}
		if strconv.Itoa(n) != p {
			return nil, fmt.Errorf("%w: %q: %q is not in canonical form", ErrMalformedKey, s, p)
		}
		out[i] = n
	}
	return out, nil
}

// MustParse is Parse for keys known to be well formed.
func MustParse(s string) Index {
	idx, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return idx
}

func (idx Index) String() string {
	var sb strings.Builder
	for i, n := range idx {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(n))
	}
	return sb.String()
}

// Compare orders indices lexicographically on their integers; a shorter
// prefix sorts first.
func (idx Index) Compare(o Index) int {
	for i := 0; i < len(idx) && i < len(o); i++ {
		switch {
		case idx[i] < o[i]:
			return -1
		case idx[i] > o[i]:
			return 1
		}
	}
	switch {
	case len(idx) < len(o):
		return -1
	case len(idx) > len(o):
		return 1
	}
	return 0
}

func (idx Index) Equal(o Index) bool {
	return idx.Compare(o) == 0
}

// Sum returns the total of all entries.
func (idx Index) Sum() int {
	total := 0
	for _, n := range idx {
		total += n
	}
	return total
}

// Add returns idx + o elementwise; both must have the same length.
func (idx Index) Add(o Index) Index {
	out := make(Index, len(idx))
	for i := range idx {
		out[i] = idx[i] + o[i]
	}
	return out
}

// Parity returns (-1)^(sum(head) - sum(term)), the sign attached to a
// reduction coefficient moved from term to head.
func Parity(head, term Index) int {
	if (head.Sum()-term.Sum())%2 == 0 {
		return 1
	}
	return -1
}

// ParseIntegral extracts the index of an integral written as Family[a,b,c].
func ParseIntegral(token string) (Index, error) {
	start := strings.IndexByte(token, '[')
	end := strings.LastIndexByte(token, ']')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: integral %q has no [..] index", ErrMalformedKey, token)
	}
	return Parse(token[start+1 : end])
}

// IntegralSymbol is the variable name that stands for the integral idx.
func IntegralSymbol(idx Index) string {
	return "I[" + idx.String() + "]"
}

// OrderSymbol is the variable name of the order-th expansion coefficient
// of the integral idx.
func OrderSymbol(idx Index, order int) string {
	return IntegralSymbol(idx) + "_" + strconv.Itoa(order)
}
