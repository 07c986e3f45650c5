// Package detector recognizes block and challenge pages in extracted HTML.
package detector

import (
	"strings"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Signature is one block-page marker with a stable name for reporting.
type Signature struct {
	Name   string
	Marker string
}

// Default signatures cover the challenge pages the pipelines run into most.
var defaultBlockSignatures = []Signature{
	{Name: "captcha", Marker: "g-recaptcha"},
	{Name: "captcha", Marker: "h-captcha"},
	{Name: "cloudflare_challenge", Marker: "checking your browser"},
	{Name: "cloudflare_challenge", Marker: "cf-challenge"},
	{Name: "access_denied", Marker: "access denied"},
	{Name: "rate_block", Marker: "too many requests"},
	{Name: "interstitial", Marker: "are you a robot"},
	{Name: "interstitial", Marker: "unusual traffic"},
}

var defaultLoginSignatures = []Signature{
	{Name: "login_wall", Marker: "type=\"password\""},
	{Name: "login_wall", Marker: "sign in to continue"},
}

// Detector scans page state for block signatures.
type Detector struct {
	block []Signature
	login []Signature
}

// New builds a Detector with the default signatures plus any extras from
// config.
func New(extra ...Signature) *Detector {
	return &Detector{
		block: append(append([]Signature(nil), defaultBlockSignatures...), extra...),
		login: append([]Signature(nil), defaultLoginSignatures...),
	}
}

// Inspect returns a BlockedError when the HTML matches a block-page
// signature and nil otherwise. When both a login wall and a block page are
// present, the block classification wins: it is the more destructive
// condition for the owning session.
func (d *Detector) Inspect(html, url string) error {
	lower := strings.ToLower(html)
	for _, sig := range d.block {
		if strings.Contains(lower, strings.ToLower(sig.Marker)) {
			return &engine.BlockedError{Signature: sig.Name, URL: url}
		}
	}
	for _, sig := range d.login {
		if strings.Contains(lower, strings.ToLower(sig.Marker)) {
			return &engine.BlockedError{Signature: sig.Name, URL: url}
		}
	}
	return nil
}
