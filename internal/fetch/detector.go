// Package fetch implements strategy selection and outcome classification
// for single fetch attempts.
package fetch

import (
	"bytes"
	"net/http"

	"github.com/PuerkitoBio/goquery"

	"harvester/internal/harvest"
)

// challengeSelectors are DOM signals of interstitial challenge pages.
var challengeSelectors = []string{
	"form#challenge-form",
	"div#cf-challenge-running",
	"div.g-recaptcha",
	"iframe[src*='captcha']",
}

// BlockDetector recognizes bot-mitigation responses from status codes and
// body signals.
type BlockDetector struct {
	markers [][]byte
}

// NewBlockDetector builds a detector from lowercase body markers.
func NewBlockDetector(markers []string) *BlockDetector {
	lower := make([][]byte, 0, len(markers))
	for _, m := range markers {
		if m == "" {
			continue
		}
		lower = append(lower, bytes.ToLower([]byte(m)))
	}
	return &BlockDetector{markers: lower}
}

// Detect returns a BlockError when the response carries a block signature,
// nil otherwise. A 403/429 alone is not enough on a clean body unless the
// body is empty; challenge markers promote any status to a block.
func (d *BlockDetector) Detect(statusCode int, body []byte) *harvest.BlockError {
	statusSuspicious := statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests

	if marker := d.matchMarker(body); marker != "" {
		return &harvest.BlockError{StatusCode: statusCode, Signature: marker}
	}
	if d.matchChallengeDOM(body) {
		return &harvest.BlockError{StatusCode: statusCode, Signature: "challenge_dom"}
	}
	if statusSuspicious {
		return &harvest.BlockError{StatusCode: statusCode, Signature: "status_code"}
	}
	return nil
}

func (d *BlockDetector) matchMarker(body []byte) string {
	if len(body) == 0 || len(d.markers) == 0 {
		return ""
	}
	lowerBody := bytes.ToLower(body)
	for _, marker := range d.markers {
		if bytes.Contains(lowerBody, marker) {
			return string(marker)
		}
	}
	return ""
}

func (d *BlockDetector) matchChallengeDOM(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
