// Package htmlview adapts a parsed HTML document to presentation.View.
//
// Rows are elements carrying data-rowguard-row. Cells are descendants with
// a data-role attribute. The row container is the element carrying
// data-rowguard-view, or <body> when none is marked.
package htmlview

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ppiankov/rowguard/internal/presentation"
)

const (
	attrView  = "data-rowguard-view"
	attrRow   = "data-rowguard-row"
	attrRole  = "data-role"
	attrState = "data-rowguard-state"

	// NotProvisionedText is shown in place of content that failed its check.
	NotProvisionedText = "Not provisioned"
)

// Document is a presentation.View over an HTML tree.
type Document struct {
	mu        sync.Mutex
	root      *html.Node
	container *html.Node
	listeners map[uint64]func()
	nextID    uint64
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	container := find(root, func(n *html.Node) bool { return hasAttr(n, attrView) })
	if container == nil {
		container = find(root, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	}
	if container == nil {
		return nil, fmt.Errorf("parse html: no row container")
	}
	return &Document{root: root, container: container, listeners: make(map[uint64]func())}, nil
}

type row struct {
	doc  *Document
	node *html.Node
}

func (r *row) Cell(role string) (string, bool) {
	r.doc.mu.Lock()
	defer r.doc.mu.Unlock()
	cell := find(r.node, func(n *html.Node) bool {
		v, ok := attr(n, attrRole)
		return ok && v == role
	})
	if cell == nil {
		return "", false
	}
	return strings.TrimSpace(text(cell)), true
}

// Rows implements presentation.View.
func (d *Document) Rows() []presentation.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []presentation.Row
	walk(d.container, func(n *html.Node) bool {
		if n != d.container && hasAttr(n, attrRow) {
			out = append(out, &row{doc: d, node: n})
			return false
		}
		return true
	})
	return out
}

// RemoveRow detaches the row element from the tree.
func (d *Document) RemoveRow(r presentation.Row) error {
	hr, ok := r.(*row)
	if !ok || hr.doc != d {
		return fmt.Errorf("remove row: not from this document")
	}
	d.mu.Lock()
	if hr.node.Parent == nil {
		d.mu.Unlock()
		return fmt.Errorf("remove row: already detached")
	}
	hr.node.Parent.RemoveChild(hr.node)
	d.mu.Unlock()
	d.notify()
	return nil
}

// SetPending toggles inert and aria-busy on the container.
func (d *Document) SetPending(pending bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pending {
		setAttr(d.container, "inert", "")
		setAttr(d.container, "aria-busy", "true")
		return
	}
	delAttr(d.container, "inert")
	delAttr(d.container, "aria-busy")
}

// MarkNotProvisioned replaces the container content with an indicator.
func (d *Document) MarkNotProvisioned() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := d.container.FirstChild; c != nil; c = d.container.FirstChild {
		d.container.RemoveChild(c)
	}
	indicator := &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr: []html.Attribute{
			{Key: "class", Val: "rowguard-not-provisioned"},
			{Key: "role", Val: "alert"},
		},
	}
	indicator.AppendChild(&html.Node{Type: html.TextNode, Data: NotProvisionedText})
	d.container.AppendChild(indicator)
	setAttr(d.container, attrState, "not-provisioned")
}

// NotProvisioned reports whether the indicator is in place.
func (d *Document) NotProvisioned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, _ := attr(d.container, attrState)
	return v == "not-provisioned"
}

// Inject appends host-rendered markup to the container and notifies
// change listeners, as a page does when it reloads data.
func (d *Document) Inject(fragment string) error {
	d.mu.Lock()
	nodes, err := html.ParseFragment(strings.NewReader(fragment), d.container)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("inject: %w", err)
	}
	for _, n := range nodes {
		d.container.AppendChild(n)
	}
	d.mu.Unlock()
	d.notify()
	return nil
}

// OnChange implements presentation.View.
func (d *Document) OnChange(fn func()) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[id] = fn
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners, id)
			d.mu.Unlock()
		})
	}
}

// Render writes the document.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

// String renders the document, or returns "" on error.
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

func (d *Document) notify() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.listeners))
	for _, id := range slices.Sorted(maps.Keys(d.listeners)) {
		fns = append(fns, d.listeners[id])
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// walk visits n and its descendants depth-first. Returning false from
// visit skips the node's children.
func walk(n *html.Node, visit func(*html.Node) bool) {
	if !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if found != nil {
			return false
		}
		if c.Type == html.ElementNode && match(c) {
			found = c
			return false
		}
		return true
	})
	return found
}

func text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := attr(n, key)
	return ok
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func delAttr(n *html.Node, key string) {
	n.Attr = slices.DeleteFunc(n.Attr, func(a html.Attribute) bool {
		return a.Namespace == "" && a.Key == key
	})
}

var _ presentation.View = (*Document)(nil)
