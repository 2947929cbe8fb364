// Package document implements the tagged Text/Spreadsheet document model
// and the sentinel-token line encoding used on the wire.
package document

import "strings"

const (
	enterToken  = "<enter>"
	spaceToken  = "<space>"
	deleteToken = "<delete>"

	minSpreadsheetLen = 100
)

// Kind distinguishes the two document variants.
type Kind int

const (
	KindText Kind = iota
	KindSpreadsheet
)

// Document is an ordered sequence of lines (Text) or cells (Spreadsheet).
// Both variants are backed by the same flat slice; only growth and
// line-splitting behavior differ between them.
type Document struct {
	Kind  Kind
	Cells []string
}

// KindForKey infers the document variant from the key's file extension,
// the same `.txt`/`.xlsx` convention clients use to recover a document
// name from in-flight command bytes after an ASK redirect.
func KindForKey(key string) Kind {
	if strings.HasSuffix(key, ".xlsx") {
		return KindSpreadsheet
	}
	return KindText
}

// New creates an empty document of the kind implied by key.
func New(key string) *Document {
	d := &Document{Kind: KindForKey(key)}
	if d.Kind == KindSpreadsheet {
		d.padTo(0)
	}
	return d
}

// Snapshot returns the document's serialized form for GET/SUBSCRIBE
// catch-up/persistence: newline-joined lines for Text, comma-separated
// cells for Spreadsheet.
func (d *Document) Snapshot() string {
	if d.Kind == KindSpreadsheet {
		return strings.Join(d.Cells, ",")
	}
	return strings.Join(d.Cells, "\n")
}

// SetWhole implements SET: the document becomes a single line/cell holding
// content, verbatim, growing a spreadsheet back up to its minimum length.
func (d *Document) SetWhole(content string) {
	d.Cells = []string{content}
	if d.Kind == KindSpreadsheet {
		d.padTo(0)
	}
}

// Append implements line/cell accretion past the end of the document.
func (d *Document) Append(content string) int {
	d.Cells = append(d.Cells, content)
	return len(d.Cells) - 1
}

// WriteAt implements an indexed WRITE. Spreadsheets auto-grow to the first
// length ≥ max(index+1, 100). Text documents grow by push past the end, or
// honor an <enter> splitter by inserting the split content as new lines
// and shifting everything after index down.
func (d *Document) WriteAt(index int, content string) {
	if d.Kind == KindSpreadsheet {
		d.padTo(index)
		d.Cells[index] = content
		return
	}

	parts := strings.Split(content, enterToken)
	if len(parts) == 1 {
		d.padToAtLeast(index)
		if index == len(d.Cells) {
			d.Cells = append(d.Cells, content)
		} else {
			d.Cells[index] = content
		}
		return
	}

	d.padToAtLeast(index)
	tail := append([]string(nil), d.Cells[index+1:]...)
	merged := append([]string(nil), d.Cells[:index]...)
	merged = append(merged, parts...)
	merged = append(merged, tail...)
	d.Cells = merged
}

// padTo grows Cells so its length is at least max(index+1, 100), the
// spreadsheet floor.
func (d *Document) padTo(index int) {
	minLen := index + 1
	if minLen < minSpreadsheetLen {
		minLen = minSpreadsheetLen
	}
	for len(d.Cells) < minLen {
		d.Cells = append(d.Cells, "")
	}
}

// padToAtLeast grows a text document so index is a valid, settable
// position (appending empty lines as needed, no 100-line floor).
func (d *Document) padToAtLeast(index int) {
	for len(d.Cells) <= index {
		d.Cells = append(d.Cells, "")
	}
}

// EncodeLine replaces whitespace with sentinel tokens so the line survives
// a line-oriented wire: `\n` -> <enter>, ` ` -> <space>, empty -> <delete>.
func EncodeLine(s string) string {
	if s == "" {
		return deleteToken
	}
	s = strings.ReplaceAll(s, "\n", enterToken)
	s = strings.ReplaceAll(s, " ", spaceToken)
	return s
}

// DecodeLine is the inverse of EncodeLine.
func DecodeLine(s string) string {
	if s == deleteToken {
		return ""
	}
	s = strings.ReplaceAll(s, spaceToken, " ")
	s = strings.ReplaceAll(s, enterToken, "\n")
	return s
}
