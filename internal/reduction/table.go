package reduction

import (
	"bufio"
	"fmt"
	"io"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/keys"
)

func compareIndex(a, b interface{}) int {
	return a.(keys.Index).Compare(b.(keys.Index))
}

// Table maps relation heads and masters to their value over the masters.
// It is appended to while the read stage runs and read only afterwards.
type Table struct {
	entries *redblacktree.Tree
	missing *treeset.Set
}

func NewTable() *Table {
	return &Table{
		entries: redblacktree.NewWith(compareIndex),
		missing: treeset.NewWith(compareIndex),
	}
}

// Set replaces the value of key.
func (t *Table) Set(key keys.Index, value algebra.Expr) {
	t.entries.Put(key, value)
}

func (t *Table) add(key keys.Index, value algebra.Expr) {
	if t.missing.Contains(key) {
		return
	}
	if cur, ok := t.Get(key); ok {
		value = cur.Add(value)
	}
	t.entries.Put(key, value)
}

func (t *Table) touch(key keys.Index) {
	if _, ok := t.entries.Get(key); !ok {
		t.entries.Put(key, algebra.Int(0))
	}
}

func (t *Table) markMissing(key keys.Index) {
	t.missing.Add(key)
	t.entries.Remove(key)
}

func (t *Table) Get(key keys.Index) (algebra.Expr, bool) {
	v, ok := t.entries.Get(key)
	if !ok {
		return algebra.Expr{}, false
	}
	return v.(algebra.Expr), true
}

// Keys returns the keys in index order.
func (t *Table) Keys() []keys.Index {
	out := make([]keys.Index, 0, t.entries.Size())
	for _, k := range t.entries.Keys() {
		out = append(out, k.(keys.Index))
	}
	return out
}

func (t *Table) Len() int {
	return t.entries.Size()
}

// Missing returns the heads dropped because one of their terms never
// produced a cache entry.
func (t *Table) Missing() []keys.Index {
	out := make([]keys.Index, 0, t.missing.Size())
	for _, k := range t.missing.Values() {
		out = append(out, k.(keys.Index))
	}
	return out
}

// Dump writes one "I[key] = value" line per entry.
func (t *Table) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	it := t.entries.Iterator()
	for it.Next() {
		if _, err := fmt.Fprintf(bw, "%s = %s\n", keys.IntegralSymbol(it.Key().(keys.Index)), it.Value().(algebra.Expr)); err != nil {
			return err
		}
	}
	return bw.Flush()
}
