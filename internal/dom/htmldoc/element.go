package htmldoc

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/Rorqualx/pagepilot/internal/dom"
)

// Element is a dom.Element over a node of a Document.
type Element struct {
	doc  *Document
	node *html.Node
}

// Node returns the underlying node.
func (e *Element) Node() *html.Node { return e.node }

func (e *Element) selection() *goquery.Selection {
	return goquery.NewDocumentFromNode(e.node).Selection
}

// Query implements dom.Root. Like Element.querySelector, the selector is
// matched against the whole tree but only descendants are returned.
func (e *Element) Query(ctx context.Context, selector string) (dom.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.first(e.selection(), selector), nil
}

// Options implements dom.Element.
func (e *Element) Options(ctx context.Context) ([]dom.Option, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.options(), nil
}

func (e *Element) options() []dom.Option {
	if e.node.DataAtom != atom.Select {
		return nil
	}
	var opts []dom.Option
	e.selection().Find("option").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		value, ok := s.Attr("value")
		if !ok {
			value = strings.Join(strings.Fields(s.Text()), " ")
		}
		_, selected := s.Attr("selected")
		opts = append(opts, dom.Option{Text: text, Value: value, Selected: selected})
	})
	// Selected reports selectedness, not the attribute.
	idx := selectedIndex(opts)
	for i := range opts {
		opts[i].Selected = i == idx
	}
	return opts
}

// selectedIndex follows HTML parsing rules for a single select: the last
// option carrying the selected attribute wins, else the first option.
func selectedIndex(opts []dom.Option) int {
	idx := -1
	for i, o := range opts {
		if o.Selected {
			idx = i
		}
	}
	if idx < 0 && len(opts) > 0 {
		idx = 0
	}
	return idx
}

// Value implements dom.Element.
func (e *Element) Value(ctx context.Context) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	if e.node.DataAtom == atom.Select {
		opts := e.options()
		if i := selectedIndex(opts); i >= 0 {
			return opts[i].Value, nil
		}
		return "", nil
	}
	v, _ := e.selection().Attr("value")
	return v, nil
}

// SetValue implements dom.Element. On a select it moves the selected
// attribute to the first option with that value; unknown values clear it.
func (e *Element) SetValue(ctx context.Context, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	if e.node.DataAtom != atom.Select {
		e.selection().SetAttr("value", value)
		return nil
	}

	opts := e.options()
	target := -1
	for i, o := range opts {
		if o.Value == value {
			target = i
			break
		}
	}
	e.selection().Find("option").Each(func(i int, s *goquery.Selection) {
		if i == target {
			s.SetAttr("selected", "")
		} else {
			s.RemoveAttr("selected")
		}
	})
	return nil
}

// DispatchEvent implements dom.Element.
func (e *Element) DispatchEvent(ctx context.Context, name string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.events = append(e.doc.events, Event{Name: name, Target: e.node})
	return nil
}

// Focused implements dom.Element.
func (e *Element) Focused(ctx context.Context) (bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.focused == e.node, nil
}

// Blur implements dom.Element.
func (e *Element) Blur(ctx context.Context) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.doc.focused == e.node {
		e.doc.focused = nil
	}
	return nil
}

// Click implements dom.Element.
func (e *Element) Click(ctx context.Context) error {
	e.doc.mu.Lock()
	hook := e.doc.clickHook
	e.doc.mu.Unlock()

	if hook != nil {
		if err := hook(e); err != nil {
			return err
		}
	}

	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	href, _ := e.selection().Attr("href")
	e.doc.clicks = append(e.doc.clicks, Click{Href: href, Target: e.node})
	return nil
}

// Attr returns an attribute of the element.
func (e *Element) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.selection().Attr(name)
}
