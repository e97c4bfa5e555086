package reduction

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/feynbound/feynbound/internal/keys"
)

const maxTokenSize = 64 << 20

// Term is one body entry of a relation: an integral and the raw text of
// its coefficient.
type Term struct {
	Integral    keys.Index
	Coefficient string
}

// Relation expresses the head integral as a combination of its terms.
type Relation struct {
	Head  keys.Index
	Terms []Term
}

// RelationReader tokenizes a reduction result stream. Tokens are separated
// by whitespace; a token naming the family without '*' starts a relation,
// a token "<integral>*<coefficient>" adds a term to the current relation,
// and anything else is ignored.
type RelationReader struct {
	family  string
	scanner *bufio.Scanner
	head    keys.Index
	done    bool
}

func NewRelationReader(r io.Reader, family string) *RelationReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTokenSize)
	scanner.Split(bufio.ScanWords)
	return &RelationReader{family: family, scanner: scanner}
}

// Next returns the next relation, or io.EOF after the last one.
func (r *RelationReader) Next() (Relation, error) {
	if r.done {
		return Relation{}, io.EOF
	}

	for r.head == nil {
		token, ok := r.scan()
		if !ok {
			return Relation{}, r.finish()
		}
		switch {
		case r.isHead(token):
			head, err := keys.ParseIntegral(token)
			if err != nil {
				return Relation{}, fmt.Errorf("%w: %w", ErrMalformedRelation, err)
			}
			r.head = head
		case strings.Contains(token, "*"):
			return Relation{}, fmt.Errorf("%w: term %q before any head", ErrMalformedRelation, token)
		}
	}

	rel := Relation{Head: r.head}
	r.head = nil
	for {
		token, ok := r.scan()
		if !ok {
			if err := r.finish(); err != io.EOF {
				return Relation{}, err
			}
			return rel, nil
		}
		if r.isHead(token) {
			head, err := keys.ParseIntegral(token)
			if err != nil {
				return Relation{}, fmt.Errorf("%w: %w", ErrMalformedRelation, err)
			}
			r.head = head
			return rel, nil
		}
		integral, coefficient, found := strings.Cut(token, "*")
		if !found {
			continue
		}
		idx, err := keys.ParseIntegral(integral)
		if err != nil {
			return Relation{}, fmt.Errorf("%w: term %q: %w", ErrMalformedRelation, token, err)
		}
		if coefficient == "" {
			return Relation{}, fmt.Errorf("%w: term %q has no coefficient", ErrMalformedRelation, token)
		}
		rel.Terms = append(rel.Terms, Term{Integral: idx, Coefficient: coefficient})
	}
}

func (r *RelationReader) isHead(token string) bool {
	return strings.Contains(token, r.family) && !strings.Contains(token, "*")
}

func (r *RelationReader) scan() (string, bool) {
	if !r.scanner.Scan() {
		return "", false
	}
	return r.scanner.Text(), true
}

func (r *RelationReader) finish() error {
	r.done = true
	if err := r.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
