// Package dom defines the page surface that automations run against.
//
// Implementations return fresh snapshots on every call. The host page mutates
// the DOM concurrently, so an Element must not be assumed valid past the
// attempt that obtained it.
package dom

import "context"

// ReadyState mirrors document.readyState.
type ReadyState string

// Document ready states.
const (
	ReadyLoading     ReadyState = "loading"
	ReadyInteractive ReadyState = "interactive"
	ReadyComplete    ReadyState = "complete"
)

// Option is one <option> of a selection control.
type Option struct {
	Text     string `json:"text"` // trimmed textContent
	Value    string `json:"value"`
	Selected bool   `json:"selected"`
}

// Root is anything a selector can be evaluated under.
type Root interface {
	// Query returns the first matching descendant, or nil when nothing matches.
	Query(ctx context.Context, selector string) (Element, error)
}

// Element is a transient handle to a DOM element.
type Element interface {
	Root

	// Options lists the element's options. Non-select elements return none.
	Options(ctx context.Context) ([]Option, error)
	Value(ctx context.Context) (string, error)
	SetValue(ctx context.Context, value string) error
	// DispatchEvent fires a bubbling synthetic event with the given type.
	DispatchEvent(ctx context.Context, name string) error
	Focused(ctx context.Context) (bool, error)
	Blur(ctx context.Context) error
	// Click invokes the element's default activation.
	Click(ctx context.Context) error
}

// Observer is a connected subtree mutation observer.
type Observer interface {
	// Disconnect stops delivery. It is safe to call more than once.
	Disconnect()
	Connected() bool
}

// Document is a live page.
type Document interface {
	Root

	QueryAll(ctx context.Context, selector string) ([]Element, error)
	Path(ctx context.Context) (string, error)
	ReadyState(ctx context.Context) (ReadyState, error)
	// WaitReady blocks until DOMContentLoaded has fired.
	WaitReady(ctx context.Context) error
	// Observe watches the whole document for added and removed nodes.
	// onMutation may be called from any goroutine and must not block.
	Observe(ctx context.Context, onMutation func()) (Observer, error)
	// OnUnload registers fn to run once when the page goes away.
	OnUnload(fn func()) (cancel func())
	Alert(ctx context.Context, message string) error
}
