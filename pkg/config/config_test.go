package config

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseBareKeyAndValue(t *testing.T) {
	input := `# sample cache
user.name Galen
user.password yabba1234 # here's an inline comment
blankEntry.example
`
	c, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, ok := c.Value("user.name"); !ok || v != "Galen" {
		t.Fatalf("user.name = %q, %v", v, ok)
	}
	if v, ok := c.Value("user.password"); !ok || v != "yabba1234" {
		t.Fatalf("user.password = %q, %v", v, ok)
	}
	if v, ok := c.Value("blankEntry.example"); !ok || v != "" {
		t.Fatalf("blankEntry.example = %q, %v", v, ok)
	}
}

func TestParseRepeatedKeysFormAList(t *testing.T) {
	input := `DirAuthority moria1 128.31.0.39 9131 9101
DirAuthority tor26 86.59.21.38 80 443
`
	c, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := c.Values("DirAuthority")
	if len(got) != 2 {
		t.Fatalf("Values = %v, want 2 entries", got)
	}
	if !strings.HasPrefix(got[0], "moria1") || !strings.HasPrefix(got[1], "tor26") {
		t.Fatalf("Values = %v", got)
	}
}

func TestParseContinuationLinesJoinWithNewline(t *testing.T) {
	input := `msg.greeting
|This is a multi-line message
|exclaiming about the wonders
|and awe that is pepperjack!
`
	c, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := "This is a multi-line message\nexclaiming about the wonders\nand awe that is pepperjack!"
	if v, ok := c.Value("msg.greeting"); !ok || v != want {
		t.Fatalf("msg.greeting = %q, want %q", v, want)
	}
}

func TestWriteRoundTripsRepeatedKeysAndContinuations(t *testing.T) {
	c := New()
	c.Add("DirAuthority", "moria1 128.31.0.39 9131 9101")
	c.Add("DirAuthority", "tor26 86.59.21.38 80 443")
	c.Set("msg.greeting", "line one\nline two")

	var buf bytes.Buffer
	if err := c.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reparsed, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse round-trip: %v", err)
	}
	if got := reparsed.Values("DirAuthority"); len(got) != 2 {
		t.Fatalf("round-tripped DirAuthority = %v", got)
	}
	if got, _ := reparsed.Value("msg.greeting"); got != "line one\nline two" {
		t.Fatalf("round-tripped msg.greeting = %q", got)
	}
}

func TestRemoveDropsAllValuesForKey(t *testing.T) {
	c := New()
	c.Add("k", "a")
	c.Add("k", "b")
	c.Remove("k")
	if got := c.Values("k"); len(got) != 0 {
		t.Fatalf("Values after Remove = %v", got)
	}
}

func TestKeysPreservesFirstOccurrenceOrder(t *testing.T) {
	c := New()
	c.Add("b", "1")
	c.Add("a", "2")
	c.Add("b", "3")
	got := c.Keys()
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Fatalf("Keys = %v", got)
	}
}
