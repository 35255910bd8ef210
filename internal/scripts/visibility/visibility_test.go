package visibility

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Rorqualx/pagepilot/internal/dom"
	"github.com/Rorqualx/pagepilot/internal/dom/htmldoc"
	"github.com/Rorqualx/pagepilot/internal/rules"
	"github.com/Rorqualx/pagepilot/internal/scripts"
)

const composer = `<html><body><div id="app">
<select id="vis" aria-hidden="true">
  <option value="all">全員</option>
  <option value="me"> あなたのみ </option>
</select>
</div></body></html>`

func testRules() rules.Visibility {
	r := rules.Default().Visibility
	r.Interval = 5 * time.Millisecond
	r.MaxAttempts = 4
	return r
}

func parse(t *testing.T, markup string) *htmldoc.Document {
	t.Helper()
	d, err := htmldoc.Parse(markup, "/codex")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return d
}

type recorder struct {
	mu     sync.Mutex
	events []scripts.Event
}

func (r *recorder) sink(e scripts.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(kind scripts.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func value(t *testing.T, d *htmldoc.Document, sel string) string {
	t.Helper()
	el, err := d.Query(context.Background(), sel)
	if err != nil || el == nil {
		t.Fatalf("Query(%q) = %v, %v", sel, el, err)
	}
	v, _ := el.Value(context.Background())
	return v
}

func TestRun_AppliesOnceWithSingleAlert(t *testing.T) {
	d := parse(t, composer)
	rec := &recorder{}

	out := New(d, testRules(), rec.sink).Run(context.Background())

	if out.Status != scripts.StatusApplied {
		t.Fatalf("Status = %s, want applied", out.Status)
	}
	if got := value(t, d, "#vis"); got != "me" {
		t.Errorf("value = %q, want me", got)
	}
	alerts := d.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	want := "公開範囲を「あなたのみ」に上書きしました。旧設定: 「全員」"
	if alerts[0] != want || out.Alert != want {
		t.Errorf("alert = %q, want %q", alerts[0], want)
	}
	if out.From != "全員" || out.To != "あなたのみ" {
		t.Errorf("From/To = %q/%q", out.From, out.To)
	}
	if out.Attempts != 1 || out.Observed {
		t.Errorf("immediate success should not observe: %+v", out)
	}
	if rec.count(scripts.EventDone) != 1 {
		t.Error("expected one done event")
	}

	events := d.Events()
	if len(events) != 2 || events[0].Name != "input" || events[1].Name != "change" {
		t.Errorf("expected input then change, got %+v", events)
	}
}

func TestRun_AlreadyPrivateNoAlert(t *testing.T) {
	d := parse(t, `<div id="app"><select id="vis"><option value="a">全員</option><option value="p" selected>あなたのみ</option></select></div>`)
	rec := &recorder{}
	r := testRules()
	r.MaxAttempts = 0

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	done := make(chan scripts.Outcome, 1)
	go func() { done <- New(d, r, rec.sink).Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for d.ActiveObservers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer was never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// host page keeps re-rendering around the control
	for i := 0; i < 3; i++ {
		if err := d.Insert("#app", `<span class="toast">saved</span>`); err != nil {
			t.Fatal(err)
		}
		_ = d.Mutate(func(doc *goquery.Document) {
			doc.Find("#vis").SetAttr("data-render", "x")
		})
		time.Sleep(5 * time.Millisecond)
	}

	out := <-done
	if out.Status != scripts.StatusUnchanged {
		t.Errorf("Status = %s, want unchanged", out.Status)
	}
	if out.Attempts < 2 {
		t.Errorf("Attempts = %d, mutations should trigger attempts", out.Attempts)
	}
	if len(d.Alerts()) != 0 || rec.count(scripts.EventAlert) != 0 {
		t.Errorf("expected no alert, got %v", d.Alerts())
	}
	if len(d.Events()) != 0 {
		t.Error("no events should be dispatched on an already-private control")
	}
	if got := value(t, d, "#vis"); got != "p" {
		t.Errorf("value = %q, want p", got)
	}
	if out.From != "あなたのみ" {
		t.Errorf("From = %q", out.From)
	}
	if d.ActiveObservers() != 0 {
		t.Error("observer must be disconnected when the run ends")
	}
}

func TestApplyPrivate_FromUsesLastSelectedOption(t *testing.T) {
	ctx := context.Background()
	d := parse(t, `<select><option value="a" selected>A</option><option value="b" selected>B</option><option value="p">あなたのみ</option></select>`)
	c := New(d, testRules(), nil)

	before := value(t, d, "select")
	res, err := c.ApplyPrivate(ctx, c.LocateControl(ctx))
	if err != nil {
		t.Fatal(err)
	}
	if before != "b" {
		t.Errorf("value before = %q, want b", before)
	}
	if !res.Changed || res.From != "B" {
		t.Errorf("Result = %+v, want From B", res)
	}
}

func TestSelectedLabel(t *testing.T) {
	opts := []dom.Option{
		{Text: "A", Value: "a", Selected: true},
		{Text: "B", Value: "b", Selected: true},
		{Text: "C", Value: "c"},
	}
	if got := selectedLabel(opts, "a"); got != "B" {
		t.Errorf("selectedLabel() = %q, want B", got)
	}
	opts[0].Selected, opts[1].Selected = false, false
	if got := selectedLabel(opts, "c"); got != "C" {
		t.Errorf("selectedLabel() by value = %q, want C", got)
	}
}

func TestRun_ControlNeverAppears(t *testing.T) {
	d := parse(t, `<div id="app"></div>`)
	r := testRules()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out := New(d, r, nil).Run(ctx)

	if out.Status != scripts.StatusNotFound {
		t.Errorf("Status = %s, want not_found", out.Status)
	}
	// one immediate attempt plus the bounded ticker
	if out.Attempts != r.MaxAttempts+1 {
		t.Errorf("Attempts = %d, want %d", out.Attempts, r.MaxAttempts+1)
	}
	if !out.Observed {
		t.Error("expected observer to be attached")
	}
	if len(d.Alerts()) != 0 {
		t.Error("missing control must stay silent")
	}
}

func TestRun_InjectedAfterRetryBudget(t *testing.T) {
	d := parse(t, `<div id="app"></div>`)
	r := testRules()
	r.MaxAttempts = 1

	done := make(chan scripts.Outcome, 1)
	c := New(d, r, nil)
	go func() { done <- c.Run(context.Background()) }()

	// let the ticker budget run out, then inject the control
	time.Sleep(40 * time.Millisecond)
	if err := d.Insert("#app", `<select><option value="x">全員</option><option value="p">あなたのみ</option></select>`); err != nil {
		t.Fatal(err)
	}

	select {
	case out := <-done:
		if out.Status != scripts.StatusApplied {
			t.Errorf("Status = %s, want applied", out.Status)
		}
		if !out.Observed {
			t.Error("expected observer-driven success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mutation did not trigger an attempt")
	}

	if d.ActiveObservers() != 0 {
		t.Error("observer should disconnect after success")
	}
	if len(d.Alerts()) != 1 {
		t.Errorf("expected 1 alert, got %d", len(d.Alerts()))
	}
}

func TestAttempt_OneShotAlert(t *testing.T) {
	ctx := context.Background()
	d := parse(t, composer)
	c := New(d, testRules(), nil)

	for i := 0; i < 3; i++ {
		res := c.Attempt(ctx)
		if !res.Changed {
			t.Fatalf("attempt %d: expected change", i)
		}
		// host page flips the control back
		_ = d.Mutate(func(doc *goquery.Document) {
			doc.Find("#vis option").RemoveAttr("selected")
			doc.Find(`#vis option[value="all"]`).SetAttr("selected", "")
		})
	}

	if !c.Notified() {
		t.Error("expected notified flag")
	}
	if len(d.Alerts()) != 1 {
		t.Errorf("expected exactly 1 alert, got %d", len(d.Alerts()))
	}
}

func TestUnloadDisconnects(t *testing.T) {
	d := parse(t, `<div id="app"></div>`)
	r := testRules()
	r.MaxAttempts = 0

	done := make(chan scripts.Outcome, 1)
	go func() { done <- New(d, r, nil).Run(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for d.ActiveObservers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	d.Unload()

	select {
	case out := <-done:
		if out.Status != scripts.StatusUnloaded {
			t.Errorf("Status = %s, want unloaded", out.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return on unload")
	}
	if d.ActiveObservers() != 0 {
		t.Error("observer still connected after unload")
	}
}

func TestLocateControl_PrefersHidden(t *testing.T) {
	d := parse(t, `
<select id="visible"><option>あなたのみ</option></select>
<select id="hidden" aria-hidden="true"><option>あなたのみ</option></select>`)
	c := New(d, testRules(), nil)

	el := c.LocateControl(context.Background())
	if el == nil {
		t.Fatal("expected a control")
	}
	id, _ := el.(*htmldoc.Element).Attr("id")
	if id != "hidden" {
		t.Errorf("located %q, want hidden", id)
	}
}

func TestLocateControl_IgnoresSelectsWithoutLabel(t *testing.T) {
	d := parse(t, `<select><option>全員</option></select><select id="b"><option>あなたのみ</option></select>`)
	el := New(d, testRules(), nil).LocateControl(context.Background())
	if el == nil {
		t.Fatal("expected a control")
	}
	if id, _ := el.(*htmldoc.Element).Attr("id"); id != "b" {
		t.Errorf("located %q, want b", id)
	}
}

func TestApplyPrivate_BlursFocusedControl(t *testing.T) {
	ctx := context.Background()
	d := parse(t, composer)
	_ = d.Focus("#vis")

	c := New(d, testRules(), nil)
	el := c.LocateControl(ctx)
	res, err := c.ApplyPrivate(ctx, el)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed {
		t.Error("expected change")
	}
	if focused, _ := el.Focused(ctx); focused {
		t.Error("control should be blurred")
	}
}

func TestFormatAlert_UnknownPrevious(t *testing.T) {
	v := testRules()
	if got := v.FormatAlert("", "あなたのみ"); got != "公開範囲を「あなたのみ」に上書きしました。旧設定: （不明）" {
		t.Errorf("FormatAlert() = %q", got)
	}
}

func TestScriptName(t *testing.T) {
	var s scripts.Script = Script{Rules: testRules()}
	if s.Name() != "visibility" {
		t.Errorf("Name() = %q", s.Name())
	}
}
