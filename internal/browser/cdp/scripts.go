package cdp

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// worldName names the isolated world selectors are evaluated in, so page
// scripts that patch globals cannot interfere with lookups.
const worldName = "__uiprobe"

// queryExpression builds a script that evaluates sel against the frame's
// document and returns an array of matching elements in document order.
func queryExpression(sel schemas.Selector) (string, error) {
	quoted, err := json.MarshalToString(sel.Expr)
	if err != nil {
		return "", fmt.Errorf("quoting selector: %w", err)
	}
	switch sel.Kind {
	case schemas.SelectorXPath:
		return fmt.Sprintf(`(() => {
  const snap = document.evaluate(%s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
  const out = [];
  for (let i = 0; i < snap.snapshotLength; i++) {
    const n = snap.snapshotItem(i);
    if (n instanceof Element) out.push(n);
  }
  return out;
})()`, quoted), nil
	case schemas.SelectorCSS:
		return fmt.Sprintf(`Array.from(document.querySelectorAll(%s))`, quoted), nil
	case schemas.SelectorText:
		return fmt.Sprintf(`(() => {
  const norm = s => (s || '').replace(/\s+/g, ' ').trim();
  const want = norm(%s);
  const skip = new Set(['SCRIPT', 'STYLE', 'NOSCRIPT', 'TEMPLATE', 'HEAD']);
  const root = document.body || document.documentElement;
  if (!root) return [];
  const hits = [];
  for (const el of root.querySelectorAll('*')) {
    if (skip.has(el.tagName) || !norm(el.textContent).includes(want)) continue;
    let deeper = false;
    for (const c of el.children) {
      if (!skip.has(c.tagName) && norm(c.textContent).includes(want)) { deeper = true; break; }
    }
    if (!deeper) hits.push(el);
  }
  return hits;
})()`, quoted), nil
	}
	return "", fmt.Errorf("unsupported selector kind %q", sel.Kind)
}

const lengthFunction = `function() { return this.length; }`

func indexFunction(n int) string {
	return fmt.Sprintf(`function() { return this[%d]; }`, n)
}

// stateFunction inspects the element it is called on and never mutates the
// page. Coordinates are relative to the element's own frame; the box reported
// to callers comes from DOM.getBoxModel instead.
const stateFunction = `function() {
  const el = this;
  if (!el.isConnected) return { attached: false };
  const r = el.getBoundingClientRect();
  const vw = window.innerWidth, vh = window.innerHeight;
  const inViewport = !(r.bottom < 0 || r.right < 0 || r.top > vh || r.left > vw);
  const style = window.getComputedStyle(el);
  const visible = style.visibility !== 'hidden' && style.display !== 'none' &&
    parseFloat(style.opacity || '1') > 0 && r.width > 0 && r.height > 0;
  const disabled = el.disabled === true || el.getAttribute('aria-disabled') === 'true' ||
    (el.closest && el.closest('fieldset[disabled]') !== null);
  // A select cannot take typed text.
  const field = el.tagName === 'INPUT' || el.tagName === 'TEXTAREA';
  const editable = !disabled && (el.isContentEditable || (field && !el.readOnly));
  let obscured = false;
  if (visible) {
    const x = r.left + r.width / 2, y = r.top + r.height / 2;
    if (x >= 0 && y >= 0 && x <= vw && y <= vh) {
      const hit = document.elementFromPoint(x, y);
      obscured = hit !== null && hit !== el && !el.contains(hit);
    }
  }
  return { attached: true, visible, enabled: !disabled, editable, obscured, inViewport,
    x: r.left, y: r.top, width: r.width, height: r.height };
}`

// clearFunction focuses the element and empties it through the native value
// setter, so framework-controlled inputs see a real change.
const clearFunction = `function() {
  const el = this;
  el.focus();
  if (el.isContentEditable) {
    el.textContent = '';
  } else {
    const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
    const desc = Object.getOwnPropertyDescriptor(proto, 'value');
    if (desc && desc.set) desc.set.call(el, ''); else el.value = '';
  }
  el.dispatchEvent(new Event('input', { bubbles: true }));
}`

const changeFunction = `function() {
  this.dispatchEvent(new Event('change', { bubbles: true }));
}`

const valueFunction = `function() {
  return ('value' in this) ? String(this.value) : (this.textContent || '');
}`

const textFunction = `function() {
  return this.innerText || this.textContent || '';
}`

// jsState mirrors the object returned by stateFunction.
type jsState struct {
	Attached bool    `json:"attached"`
	Visible  bool    `json:"visible"`
	Enabled  bool    `json:"enabled"`
	Editable bool    `json:"editable"`
	Obscured bool    `json:"obscured"`
	InView   bool    `json:"inViewport"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}
