// Package config implements the key-per-line cache file format used to
// persist the optional directory authority/fallback endpoint list (spec
// section 6, "persisted state"). The core itself persists nothing; this
// package exists only for callers that want to avoid re-resolving the
// built-in authority table on every process start.
//
// Format: bare keys, lists represented by repeated keys, case preserved.
// Comments begin with "#" and run to end of line. A key with no inline
// value may be followed by one or more lines starting with "|"; those
// lines are joined with a literal "\n" and become the key's value.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// entry is one key/value pair in file order, preserved so repeated keys
// round-trip as a list rather than collapsing to their last value.
type entry struct {
	key   string
	value string
}

// Cache is an in-memory key-per-line store, as read from or destined for
// an authority/fallback-directory cache file.
type Cache struct {
	entries []entry
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{}
}

// Add appends a value for key, preserving any existing values (list
// semantics: the same key added twice produces a two-element list).
func (c *Cache) Add(key, value string) {
	c.entries = append(c.entries, entry{key: key, value: value})
}

// Set replaces all values for key with a single value.
func (c *Cache) Set(key, value string) {
	c.Remove(key)
	c.Add(key, value)
}

// Remove drops every entry for key.
func (c *Cache) Remove(key string) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.key != key {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// Values returns every value recorded for key, in file order.
func (c *Cache) Values(key string) []string {
	var out []string
	for _, e := range c.entries {
		if e.key == key {
			out = append(out, e.value)
		}
	}
	return out
}

// Value returns the first value recorded for key.
func (c *Cache) Value(key string) (string, bool) {
	for _, e := range c.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

// Keys returns the distinct keys present, in first-occurrence order.
func (c *Cache) Keys() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range c.entries {
		if !seen[e.key] {
			seen[e.key] = true
			out = append(out, e.key)
		}
	}
	return out
}

// Load reads a cache file from path.
func Load(path string) (*Cache, error) {
	f, err := os.Open(path) // #nosec G304 -- path is supplied by the caller, not derived from untrusted input
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the key-per-line format from r.
func Parse(r io.Reader) (*Cache, error) {
	c := New()
	scanner := bufio.NewScanner(r)

	var pendingKey string
	var continuation []string
	flush := func() {
		if pendingKey != "" {
			c.Add(pendingKey, strings.Join(continuation, "\n"))
		}
		pendingKey = ""
		continuation = nil
	}

	for scanner.Scan() {
		line := stripComment(scanner.Text())
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "|") {
			if pendingKey == "" {
				continue // a continuation line with no preceding bare key is discarded
			}
			continuation = append(continuation, strings.TrimPrefix(strings.TrimLeft(line, " \t"), "|"))
			continue
		}

		flush()
		if trimmed == "" {
			continue
		}

		key, value, hasValue := strings.Cut(trimmed, " ")
		if hasValue {
			c.Add(key, strings.TrimSpace(value))
			continue
		}
		// Bare key: either an empty-string entry, or the start of a
		// "|"-continuation block on the following lines.
		pendingKey = key
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}
	return c, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

// Save writes the cache to path.
func (c *Cache) Save(path string) error {
	f, err := os.Create(path) // #nosec G304 -- path is supplied by the caller
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	return c.Write(f)
}

// Write serializes the cache in the key-per-line format. Values
// containing a newline are written as a bare key followed by
// "|"-prefixed continuation lines; all other values are written inline.
func (c *Cache) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, e := range c.entries {
		if strings.Contains(e.value, "\n") {
			if _, err := fmt.Fprintln(bw, e.key); err != nil {
				return err
			}
			for _, part := range strings.Split(e.value, "\n") {
				if _, err := fmt.Fprintf(bw, "|%s\n", part); err != nil {
					return err
				}
			}
			continue
		}
		if e.value == "" {
			if _, err := fmt.Fprintln(bw, e.key); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s %s\n", e.key, e.value); err != nil {
			return err
		}
	}
	return bw.Flush()
}
