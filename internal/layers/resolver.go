// Package layers resolves layers in a document's layer tree by a forgiving,
// normalized name. Templates are authored by hand, so "Artwork", " ARTWORK "
// and "Art Work" must all name the same layer.
package layers

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

type Kind string

const (
	KindGroup Kind = "group"
	KindPixel Kind = "pixel"
	KindSmart Kind = "smart"
)

// Node is one entry of a document's layer tree. Groups own their children in
// top-to-bottom panel order.
type Node struct {
	ID        string
	Name      string
	Kind      Kind
	Swappable bool
	Children  []*Node
}

func (n *Node) IsGroup() bool {
	return n != nil && n.Kind == KindGroup
}

// NormalizeName returns the comparison key for a layer name: compatibility
// normalized, upper-cased, with every whitespace run (NBSP included) removed.
func NormalizeName(raw string) string {
	return strings.Join(strings.Fields(fold(raw)), "")
}

// CollapseName is the display form of a name: folded like NormalizeName but
// with whitespace runs kept as single spaces.
func CollapseName(raw string) string {
	return strings.Join(strings.Fields(fold(raw)), " ")
}

func fold(raw string) string {
	upper := cases.Upper(language.Und).String(norm.NFKC.String(raw))
	return norm.NFKC.String(upper)
}

// Walk visits root and its descendants depth-first in pre-order. Returning
// false from fn stops the walk.
func Walk(root *Node, fn func(n *Node, depth int) bool) {
	walk(root, 0, fn)
}

func walk(n *Node, depth int, fn func(*Node, int) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n, depth) {
		return false
	}
	for _, child := range n.Children {
		if !walk(child, depth+1, fn) {
			return false
		}
	}
	return true
}

// FindByName returns the first node in pre-order whose normalized name equals
// the normalized target. Duplicates further down the tree are shadowed.
func FindByName(root *Node, target string) (*Node, bool) {
	key := NormalizeName(target)
	if key == "" {
		return nil, false
	}

	var found *Node
	Walk(root, func(n *Node, _ int) bool {
		if NormalizeName(n.Name) == key {
			found = n
			return false
		}
		return true
	})
	return found, found != nil
}

// DumpTree flattens the tree into indented diagnostic lines. It exists for
// failure reports and never drives control flow.
func DumpTree(root *Node) []string {
	var out []string
	Walk(root, func(n *Node, depth int) bool {
		kind := string(n.Kind)
		if n.Swappable {
			kind += "*"
		}
		out = append(out, fmt.Sprintf("%s%-6s %q -> %s", strings.Repeat("  ", depth), kind, n.Name, CollapseName(n.Name)))
		return true
	})
	return out
}
