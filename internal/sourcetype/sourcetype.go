// Package sourcetype implements the short-ASCII-tag content classifier
// shared by the Sender Engine's outbound detection (spec §4.3) and the
// Receiver Engine's post-assembly re-detection (spec §4.4).
package sourcetype

import (
	"bytes"
	"unicode"
	"unicode/utf8"
)

// sniffLimit bounds how much of the content the classifier inspects, per
// spec §4.3 ("first <= 4 KiB").
const sniffLimit = 4096

// Detect classifies data into one of the protocol's short ASCII tags: a
// `%PDF` magic prefix is pdf; otherwise valid UTF-8 with at least 95%
// printable-or-whitespace bytes is txt; anything else is unknown.
func Detect(data []byte) string {
	sniff := data
	if len(sniff) > sniffLimit {
		sniff = sniff[:sniffLimit]
	}
	if bytes.HasPrefix(sniff, []byte("%PDF")) {
		return "pdf"
	}
	if len(sniff) > 0 && utf8.Valid(sniff) {
		printable := 0
		for _, r := range string(sniff) {
			if r == '\t' || r == '\n' || r == '\r' || unicode.IsPrint(r) {
				printable++
			}
		}
		if n := utf8.RuneCount(sniff); n > 0 && float64(printable)/float64(n) >= 0.95 {
			return "txt"
		}
	}
	return "unknown"
}
