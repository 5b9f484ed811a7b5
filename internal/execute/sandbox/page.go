// Package sandbox defines the page proxy handed to client-submitted
// scripts. Scripts import it as "browserhub/sandbox" inside the
// interpreter and receive a *Page pointing at a fresh tab in a live
// browser.
package sandbox

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Page wraps a live browser tab with the operations exposed to client
// scripts. Every method returns an explicit error; the wrapped driver's
// panic-on-failure helpers are never exposed.
type Page struct {
	rp *rod.Page
}

// NewPage wraps a driver page. A nil driver yields a Page whose methods
// fail cleanly, which keeps handler plumbing testable without a browser.
func NewPage(rp *rod.Page) *Page {
	return &Page{rp: rp}
}

var errNoPage = fmt.Errorf("sandbox: no page attached")

// Goto navigates the tab and waits for the load event.
func (p *Page) Goto(url string) error {
	if p.rp == nil {
		return errNoPage
	}
	if err := p.rp.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return p.rp.WaitLoad()
}

// URL reports the tab's current location.
func (p *Page) URL() (string, error) {
	if p.rp == nil {
		return "", errNoPage
	}
	info, err := p.rp.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Title reports the current document title.
func (p *Page) Title() (string, error) {
	if p.rp == nil {
		return "", errNoPage
	}
	info, err := p.rp.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

// HTML returns the serialized DOM.
func (p *Page) HTML() (string, error) {
	if p.rp == nil {
		return "", errNoPage
	}
	return p.rp.HTML()
}

// Evaluate runs a JavaScript expression in the page and returns its
// JSON-decoded value.
func (p *Page) Evaluate(js string) (interface{}, error) {
	if p.rp == nil {
		return nil, errNoPage
	}
	obj, err := p.rp.Eval(js)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return obj.Value.Val(), nil
}

// Click clicks the first element matching the selector.
func (p *Page) Click(selector string) error {
	if p.rp == nil {
		return errNoPage
	}
	el, err := p.rp.Element(selector)
	if err != nil {
		return fmt.Errorf("element %q: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// Type focuses the first element matching the selector and types text
// into it.
func (p *Page) Type(selector, text string) error {
	if p.rp == nil {
		return errNoPage
	}
	el, err := p.rp.Element(selector)
	if err != nil {
		return fmt.Errorf("element %q: %w", selector, err)
	}
	return el.Input(text)
}

// WaitStable blocks until the page stops mutating.
func (p *Page) WaitStable() error {
	if p.rp == nil {
		return errNoPage
	}
	return p.rp.WaitLoad()
}

// Screenshot captures the viewport as PNG bytes.
func (p *Page) Screenshot() ([]byte, error) {
	if p.rp == nil {
		return nil, errNoPage
	}
	return p.rp.Screenshot(false, nil)
}
