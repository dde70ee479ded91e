// Package descriptor parses Tor's line-oriented directory documents: server
// descriptors, extrainfo documents, microdescriptors, network-status
// consensus/vote documents, and directory-authority key certificates
// (dir-spec.txt). Each parser walks the generic keyword scan this file
// implements and dispatches on keywords in its own switch statements;
// there are no per-type keyword dispatch tables.
package descriptor

import (
	"fmt"
	"strings"
)

// Entry is one parsed keyword line, with its optional PEM-style block.
type Entry struct {
	Keyword   string
	Value     string
	BlockType string // e.g. "RSA PUBLIC KEY"; empty if no block followed
	Block     []byte // raw block content, including BEGIN/END lines
}

// Document is the generic scan result: every keyword line in encounter
// order, plus an index by keyword for lookup.
type Document struct {
	Entries []Entry
	byKey   map[string][]int
	Raw     []byte
}

// Scan splits raw descriptor bytes into a Document, per spec.md section
// 4.5: lines are "keyword SP value" or "keyword SP value NL -----BEGIN
// ...----- ... -----END ...-----".
func Scan(raw []byte) (*Document, error) {
	doc := &Document{byKey: make(map[string][]int), Raw: raw}

	lines := strings.Split(string(raw), "\n")
	i := 0
	for i < len(lines) {
		line := strings.TrimRight(lines[i], "\r")
		i++
		if line == "" {
			continue
		}
		keyword, value, _ := strings.Cut(line, " ")
		entry := Entry{Keyword: keyword, Value: value}

		if i < len(lines) && strings.HasPrefix(strings.TrimRight(lines[i], "\r"), "-----BEGIN ") {
			beginLine := strings.TrimRight(lines[i], "\r")
			entry.BlockType = strings.TrimSuffix(strings.TrimPrefix(beginLine, "-----BEGIN "), "-----")
			blockStart := i
			i++
			endMarker := "-----END " + entry.BlockType + "-----"
			for i < len(lines) {
				l := strings.TrimRight(lines[i], "\r")
				i++
				if l == endMarker {
					break
				}
			}
			block := strings.Join(lines[blockStart:i], "\n")
			entry.Block = []byte(block)
		}

		idx := len(doc.Entries)
		doc.Entries = append(doc.Entries, entry)
		doc.byKey[keyword] = append(doc.byKey[keyword], idx)
	}
	return doc, nil
}

// First returns the value of the first occurrence of keyword, if present.
func (d *Document) First(keyword string) (string, bool) {
	idxs := d.byKey[keyword]
	if len(idxs) == 0 {
		return "", false
	}
	return d.Entries[idxs[0]].Value, true
}

// FirstEntry returns the first Entry for keyword, if present.
func (d *Document) FirstEntry(keyword string) (Entry, bool) {
	idxs := d.byKey[keyword]
	if len(idxs) == 0 {
		return Entry{}, false
	}
	return d.Entries[idxs[0]], true
}

// All returns every Entry for keyword, in document order.
func (d *Document) All(keyword string) []Entry {
	idxs := d.byKey[keyword]
	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, d.Entries[i])
	}
	return out
}

// Count reports how many times keyword appears.
func (d *Document) Count(keyword string) int {
	return len(d.byKey[keyword])
}

// RequireSingle enforces that keyword appears exactly once, returning
// MalformedDescriptor otherwise.
func (d *Document) RequireSingle(keyword string) (Entry, error) {
	n := d.Count(keyword)
	if n == 0 {
		return Entry{}, NewMalformed(fmt.Sprintf("missing required keyword %q", keyword))
	}
	if n > 1 {
		return Entry{}, NewMalformed(fmt.Sprintf("keyword %q declared single-valued but appears %d times", keyword, n))
	}
	return d.Entries[d.byKey[keyword][0]], nil
}

// RequireFirstKeyword enforces that the document's first entry is keyword.
func (d *Document) RequireFirstKeyword(keyword string) error {
	if len(d.Entries) == 0 || d.Entries[0].Keyword != keyword {
		return NewMalformed(fmt.Sprintf("document must begin with %q", keyword))
	}
	return nil
}

// RequireLastKeyword enforces that the document's last entry is keyword.
func (d *Document) RequireLastKeyword(keyword string) error {
	if len(d.Entries) == 0 || d.Entries[len(d.Entries)-1].Keyword != keyword {
		return NewMalformed(fmt.Sprintf("document must end with %q", keyword))
	}
	return nil
}

// SignedRange returns the contiguous byte range of the original document
// starting at the first line whose keyword is startKeyword (inclusive) and
// ending immediately before the first line (at or after that point) whose
// keyword is endKeyword. The end keyword's line is not included; each
// signature check appends the part of that line its document type
// covers before hashing (spec.md section 4.5).
func (d *Document) SignedRange(startKeyword, endKeyword string) ([]byte, error) {
	lines := strings.Split(string(d.Raw), "\n")
	startLine := -1
	endLine := -1
	for i, l := range lines {
		kw, _, _ := strings.Cut(strings.TrimRight(l, "\r"), " ")
		if kw == startKeyword && startLine == -1 {
			startLine = i
		}
		if startLine != -1 && kw == endKeyword && i > startLine {
			endLine = i
			break
		}
	}
	if startLine == -1 {
		return nil, NewMalformed(fmt.Sprintf("missing range-start keyword %q", startKeyword))
	}
	if endLine == -1 {
		return nil, NewMalformed(fmt.Sprintf("missing range-end keyword %q", endKeyword))
	}
	result := strings.Join(lines[startLine:endLine], "\n") + "\n"
	return []byte(result), nil
}
