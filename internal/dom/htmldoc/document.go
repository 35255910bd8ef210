// Package htmldoc implements dom.Document over an in-memory HTML tree.
//
// It backs offline dry runs (no browser) and the automation tests. Host-page
// activity is simulated with Mutate, Insert, Remove, SetReadyState, Focus and
// Unload; observers are notified synchronously after each mutation.
package htmldoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/Rorqualx/pagepilot/internal/dom"
	"github.com/Rorqualx/pagepilot/internal/watch"
)

// ErrUnloaded is returned when mutating a document after Unload.
var ErrUnloaded = errors.New("document has been unloaded")

// Event is a synthetic event dispatched on an element.
type Event struct {
	Name   string
	Target *html.Node
}

// Click records a default activation.
type Click struct {
	Href   string
	Target *html.Node
}

// Document is a dom.Document backed by golang.org/x/net/html nodes.
type Document struct {
	mu        sync.Mutex
	doc       *goquery.Document
	path      string
	ready     dom.ReadyState
	readyCh   chan struct{}
	focused   *html.Node
	unloaded  bool
	nextID    uint64
	observers map[uint64]*observer
	unload    map[uint64]func()

	alerts       []string
	events       []Event
	clicks       []Click
	observeCalls int
	clickHook    func(*Element) error
}

type observer struct {
	fn  func()
	sub *watch.Subscription
}

func (o *observer) Disconnect()     { o.sub.Stop() }
func (o *observer) Connected() bool { return !o.sub.Stopped() }

// Parse builds a document from markup. path is what location.pathname reports.
// The document starts in the "complete" ready state.
func Parse(markup, path string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	if path == "" {
		path = "/"
	}
	return &Document{
		doc:       doc,
		path:      path,
		ready:     dom.ReadyComplete,
		readyCh:   closedChan(),
		observers: make(map[uint64]*observer),
		unload:    make(map[uint64]func()),
	}, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Query implements dom.Root.
func (d *Document) Query(ctx context.Context, selector string) (dom.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.first(d.doc.Selection, selector), nil
}

// QueryAll implements dom.Document.
func (d *Document) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes := d.doc.Find(selector).Nodes
	out := make([]dom.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Element{doc: d, node: n})
	}
	return out, nil
}

// first must be called with d.mu held.
func (d *Document) first(scope *goquery.Selection, selector string) dom.Element {
	found := scope.Find(selector)
	if found.Length() == 0 {
		return nil
	}
	return &Element{doc: d, node: found.Nodes[0]}
}

// Path implements dom.Document.
func (d *Document) Path(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path, nil
}

// ReadyState implements dom.Document.
func (d *Document) ReadyState(ctx context.Context) (dom.ReadyState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready, nil
}

// WaitReady implements dom.Document.
func (d *Document) WaitReady(ctx context.Context) error {
	d.mu.Lock()
	ch := d.readyCh
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetReadyState moves the document between ready states. Leaving "loading"
// releases WaitReady callers, like DOMContentLoaded.
func (d *Document) SetReadyState(state dom.ReadyState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.ready
	d.ready = state
	switch {
	case prev == dom.ReadyLoading && state != dom.ReadyLoading:
		close(d.readyCh)
	case prev != dom.ReadyLoading && state == dom.ReadyLoading:
		d.readyCh = make(chan struct{})
	}
}

// Observe implements dom.Document.
func (d *Document) Observe(ctx context.Context, onMutation func()) (dom.Observer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unloaded {
		return nil, ErrUnloaded
	}
	d.observeCalls++
	id := d.nextID
	d.nextID++

	o := &observer{fn: onMutation}
	o.sub = watch.New(func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	})
	d.observers[id] = o
	return o, nil
}

// OnUnload implements dom.Document.
func (d *Document) OnUnload(fn func()) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.unload[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.unload, id)
		d.mu.Unlock()
	}
}

// Alert implements dom.Document. Messages are recorded, not shown.
func (d *Document) Alert(ctx context.Context, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, message)
	return nil
}

// Mutate applies fn to the tree and then notifies connected observers.
func (d *Document) Mutate(fn func(doc *goquery.Document)) error {
	d.mu.Lock()
	if d.unloaded {
		d.mu.Unlock()
		return ErrUnloaded
	}
	fn(d.doc)
	callbacks := make([]func(), 0, len(d.observers))
	for _, o := range d.observers {
		callbacks = append(callbacks, o.fn)
	}
	d.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// Insert appends markup to the first element matching parentSelector.
func (d *Document) Insert(parentSelector, markup string) error {
	var missing bool
	err := d.Mutate(func(doc *goquery.Document) {
		parent := doc.Find(parentSelector).First()
		if parent.Length() == 0 {
			missing = true
			return
		}
		parent.AppendHtml(markup)
	})
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("no element matches %q", parentSelector)
	}
	return nil
}

// Remove detaches every element matching selector.
func (d *Document) Remove(selector string) error {
	return d.Mutate(func(doc *goquery.Document) {
		doc.Find(selector).Remove()
	})
}

// Focus makes the first element matching selector the active element.
func (d *Document) Focus(selector string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	found := d.doc.Find(selector)
	if found.Length() == 0 {
		return fmt.Errorf("no element matches %q", selector)
	}
	d.focused = found.Nodes[0]
	return nil
}

// Unload fires unload listeners and disconnects every observer.
func (d *Document) Unload() {
	d.mu.Lock()
	if d.unloaded {
		d.mu.Unlock()
		return
	}
	d.unloaded = true
	listeners := make([]func(), 0, len(d.unload))
	for _, fn := range d.unload {
		listeners = append(listeners, fn)
	}
	d.unload = make(map[uint64]func())
	observers := make([]*observer, 0, len(d.observers))
	for _, o := range d.observers {
		observers = append(observers, o)
	}
	d.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	for _, o := range observers {
		o.Disconnect()
	}
}

// SetClickHook installs fn to run before every Click. A non-nil error from fn
// is returned by Click, the way a throwing click handler surfaces.
func (d *Document) SetClickHook(fn func(*Element) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clickHook = fn
}

// HTML renders the current tree.
func (d *Document) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf bytes.Buffer
	for _, n := range d.doc.Nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("failed to render html: %w", err)
		}
	}
	return buf.String(), nil
}

// Alerts returns the messages passed to Alert.
func (d *Document) Alerts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.alerts...)
}

// Events returns dispatched synthetic events in order.
func (d *Document) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Clicks returns recorded activations in order.
func (d *Document) Clicks() []Click {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Click(nil), d.clicks...)
}

// ObserveCalls counts observers ever attached.
func (d *Document) ObserveCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observeCalls
}

// ActiveObservers counts observers still connected.
func (d *Document) ActiveObservers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}
