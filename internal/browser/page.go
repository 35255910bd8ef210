package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/pagepilot/internal/dom"
	"github.com/Rorqualx/pagepilot/internal/watch"
)

// mutationBinding is the page-side function MutationObservers report through.
const mutationBinding = "__pagepilotMutation"

const (
	observeJS = `(binding, id) => {
		const reg = window.__pagepilotObservers || (window.__pagepilotObservers = {});
		if (reg[id]) return;
		const mo = new MutationObserver(() => { window[binding](id); });
		mo.observe(document, { childList: true, subtree: true });
		reg[id] = mo;
	}`
	disconnectJS = `(id) => {
		const reg = window.__pagepilotObservers;
		if (reg && reg[id]) { reg[id].disconnect(); delete reg[id]; }
	}`
	waitReadyJS = `() => new Promise(resolve => {
		if (document.readyState !== 'loading') return resolve();
		document.addEventListener('DOMContentLoaded', () => resolve(), { once: true });
	})`
	// alert() blocks the page's event loop; deferring it lets the CDP call return.
	alertJS = `(message) => { setTimeout(() => window.alert(message), 0); }`
)

// DocumentOptions configures a PageDocument.
type DocumentOptions struct {
	// AutoDismissDialogs accepts every JavaScript dialog as soon as it opens.
	AutoDismissDialogs bool
}

// PageDocument implements dom.Document on a live rod page.
//
// The document represents the page's current main-frame document. A
// cross-document navigation or closing the target counts as unload; in-page
// history changes do not.
type PageDocument struct {
	page *rod.Page

	mu        sync.Mutex
	nextID    uint64
	observers map[string]*pageObserver
	unload    map[uint64]func()
	unloaded  bool

	stopBinding func() error
	stopEvents  context.CancelFunc
	loaderID    proto.NetworkLoaderID
	closeOnce   sync.Once
}

type pageObserver struct {
	fn  func()
	sub *watch.Subscription
}

func (o *pageObserver) Disconnect()     { o.sub.Stop() }
func (o *pageObserver) Connected() bool { return !o.sub.Stopped() }

// NewPageDocument attaches to page. Call it after navigation has committed.
// Close releases the listeners; it does not close the page.
func NewPageDocument(page *rod.Page, opts DocumentOptions) (*PageDocument, error) {
	tree, err := proto.PageGetFrameTree{}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame tree: %w", err)
	}

	d := &PageDocument{
		page:      page,
		observers: make(map[string]*pageObserver),
		unload:    make(map[uint64]func()),
		loaderID:  tree.FrameTree.Frame.LoaderID,
	}

	stop, err := page.Expose(mutationBinding, func(arg gson.JSON) (interface{}, error) {
		d.deliver(arg.Str())
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expose mutation binding: %w", err)
	}
	d.stopBinding = stop

	if err := (proto.PageEnable{}).Call(page); err != nil {
		_ = stop()
		return nil, fmt.Errorf("failed to enable page events: %w", err)
	}

	evCtx, cancel := context.WithCancel(context.Background())
	d.stopEvents = cancel

	go page.Context(evCtx).EachEvent(
		func(e *proto.PageFrameNavigated) bool {
			if e.Frame.ParentID == "" && e.Frame.LoaderID != d.loaderID {
				d.fireUnload("navigated")
				return true
			}
			return false
		},
		func(e *proto.PageJavascriptDialogOpening) bool {
			log.Debug().Str("type", string(e.Type)).Str("message", e.Message).Msg("Page dialog opened")
			if opts.AutoDismissDialogs {
				go func() {
					if err := (proto.PageHandleJavaScriptDialog{Accept: true}).Call(page); err != nil {
						log.Debug().Err(err).Msg("Failed to dismiss dialog")
					}
				}()
			}
			return false
		},
	)()

	go page.Browser().Context(evCtx).EachEvent(func(e *proto.TargetTargetDestroyed) bool {
		if e.TargetID == page.TargetID {
			d.fireUnload("closed")
			return true
		}
		return false
	})()

	return d, nil
}

func (d *PageDocument) deliver(id string) {
	d.mu.Lock()
	o := d.observers[id]
	d.mu.Unlock()
	if o != nil && o.Connected() {
		o.fn()
	}
}

func (d *PageDocument) fireUnload(reason string) {
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
	d.mu.Unlock()

	log.Debug().Str("reason", reason).Msg("Page document unloaded")
	for _, fn := range listeners {
		fn()
	}
	d.disconnectAll()
}

func (d *PageDocument) disconnectAll() {
	d.mu.Lock()
	observers := make([]*pageObserver, 0, len(d.observers))
	for _, o := range d.observers {
		observers = append(observers, o)
	}
	d.mu.Unlock()

	for _, o := range observers {
		o.Disconnect()
	}
}

// Close disconnects every observer and stops event delivery.
func (d *PageDocument) Close() {
	d.closeOnce.Do(func() {
		d.disconnectAll()
		d.stopEvents()
		if err := d.stopBinding(); err != nil {
			log.Debug().Err(err).Msg("Failed to remove mutation binding")
		}
	})
}

func (d *PageDocument) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	return d.page.Context(ctx).Evaluate(&rod.EvalOptions{
		ByValue:      true,
		AwaitPromise: true,
		JS:           js,
		JSArgs:       args,
	})
}

// Query implements dom.Root.
func (d *PageDocument) Query(ctx context.Context, selector string) (dom.Element, error) {
	els, err := d.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, nil
	}
	return &pageElement{el: els.First()}, nil
}

// QueryAll implements dom.Document.
func (d *PageDocument) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	els, err := d.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]dom.Element, len(els))
	for i, el := range els {
		out[i] = &pageElement{el: el}
	}
	return out, nil
}

// Path implements dom.Document.
func (d *PageDocument) Path(ctx context.Context) (string, error) {
	res, err := d.eval(ctx, `() => location.pathname`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// ReadyState implements dom.Document.
func (d *PageDocument) ReadyState(ctx context.Context) (dom.ReadyState, error) {
	res, err := d.eval(ctx, `() => document.readyState`)
	if err != nil {
		return "", err
	}
	return dom.ReadyState(res.Value.Str()), nil
}

// WaitReady implements dom.Document.
func (d *PageDocument) WaitReady(ctx context.Context) error {
	_, err := d.eval(ctx, waitReadyJS)
	return err
}

// Observe implements dom.Document. Each observer is a page-side
// MutationObserver on the whole document that calls back through the
// exposed binding.
func (d *PageDocument) Observe(ctx context.Context, onMutation func()) (dom.Observer, error) {
	d.mu.Lock()
	if d.unloaded {
		d.mu.Unlock()
		return nil, fmt.Errorf("page document has been unloaded")
	}
	id := strconv.FormatUint(d.nextID, 10)
	d.nextID++
	o := &pageObserver{fn: onMutation}
	o.sub = watch.New(func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := d.eval(ctx, disconnectJS, id); err != nil {
			log.Debug().Err(err).Str("observer", id).Msg("Failed to disconnect page observer")
		}
	})
	d.observers[id] = o
	d.mu.Unlock()

	if _, err := d.eval(ctx, observeJS, mutationBinding, id); err != nil {
		o.Disconnect()
		return nil, fmt.Errorf("failed to start observer: %w", err)
	}
	return o, nil
}

// OnUnload implements dom.Document. fn runs immediately if the page is
// already gone.
func (d *PageDocument) OnUnload(fn func()) (cancel func()) {
	d.mu.Lock()
	if d.unloaded {
		d.mu.Unlock()
		fn()
		return func() {}
	}
	id := d.nextID
	d.nextID++
	d.unload[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.unload, id)
		d.mu.Unlock()
	}
}

// Alert implements dom.Document.
func (d *PageDocument) Alert(ctx context.Context, message string) error {
	_, err := d.eval(ctx, alertJS, message)
	return err
}

// HTML returns the serialized document.
func (d *PageDocument) HTML(ctx context.Context) (string, error) {
	return d.page.Context(ctx).HTML()
}

type pageElement struct {
	el *rod.Element
}

func (e *pageElement) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	return e.el.Context(ctx).Evaluate(&rod.EvalOptions{
		ByValue:      true,
		AwaitPromise: true,
		JS:           js,
		JSArgs:       args,
	})
}

func (e *pageElement) Query(ctx context.Context, selector string) (dom.Element, error) {
	els, err := e.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, nil
	}
	return &pageElement{el: els.First()}, nil
}

func (e *pageElement) Options(ctx context.Context) ([]dom.Option, error) {
	res, err := e.eval(ctx, `() => Array.from(this.options || []).map(o => ({
		text: (o.textContent || '').trim(),
		value: o.value,
		selected: o.selected,
	}))`)
	if err != nil {
		return nil, err
	}
	data, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var opts []dom.Option
	if err := json.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}
	return opts, nil
}

func (e *pageElement) Value(ctx context.Context) (string, error) {
	res, err := e.eval(ctx, `() => this.value`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (e *pageElement) SetValue(ctx context.Context, value string) error {
	_, err := e.eval(ctx, `(v) => { this.value = v; }`, value)
	return err
}

func (e *pageElement) DispatchEvent(ctx context.Context, name string) error {
	_, err := e.eval(ctx, `(name) => { this.dispatchEvent(new Event(name, { bubbles: true })); }`, name)
	return err
}

func (e *pageElement) Focused(ctx context.Context) (bool, error) {
	res, err := e.eval(ctx, `() => document.activeElement === this`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (e *pageElement) Blur(ctx context.Context) error {
	_, err := e.eval(ctx, `() => { this.blur(); }`)
	return err
}

func (e *pageElement) Click(ctx context.Context) error {
	_, err := e.eval(ctx, `() => { this.click(); }`)
	return err
}
