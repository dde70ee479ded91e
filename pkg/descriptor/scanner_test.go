package descriptor

import (
	"bytes"
	"testing"
)

func TestScanSplitsKeywordLinesAndBlocks(t *testing.T) {
	raw := []byte("router test 1.2.3.4 9001 0 0\n" +
		"platform Tor 0.4.8.0 on Linux\n" +
		"onion-key\n-----BEGIN RSA PUBLIC KEY-----\nAAAA\n-----END RSA PUBLIC KEY-----\n" +
		"router-signature\n-----BEGIN SIGNATURE-----\nBBBB\n-----END SIGNATURE-----\n")

	doc, err := Scan(raw)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if doc.Count("router") != 1 {
		t.Fatalf("router count = %d, want 1", doc.Count("router"))
	}
	onionKey, ok := doc.FirstEntry("onion-key")
	if !ok {
		t.Fatal("expected onion-key entry")
	}
	if onionKey.BlockType != "RSA PUBLIC KEY" {
		t.Fatalf("BlockType = %q", onionKey.BlockType)
	}
	if !bytes.Contains(onionKey.Block, []byte("AAAA")) {
		t.Fatalf("Block missing body: %q", onionKey.Block)
	}
}

func TestRequireSingleDetectsDuplicates(t *testing.T) {
	doc, err := Scan([]byte("router a 1.1.1.1 9001 0 0\nrouter b 2.2.2.2 9001 0 0\n"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, err := doc.RequireSingle("router"); err == nil {
		t.Fatal("expected duplicate-keyword error")
	}
}

func TestRequireSingleDetectsMissing(t *testing.T) {
	doc, err := Scan([]byte("platform Tor\n"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, err := doc.RequireSingle("router"); err == nil {
		t.Fatal("expected missing-keyword error")
	}
}

func TestSignedRangeExtractsContiguousBytes(t *testing.T) {
	raw := []byte("router a 1.1.1.1 9001 0 0\nplatform Tor\nrouter-signature\nXYZ\n")
	doc, err := Scan(raw)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	rng, err := doc.SignedRange("router", "router-signature")
	if err != nil {
		t.Fatalf("SignedRange: %v", err)
	}
	want := "router a 1.1.1.1 9001 0 0\nplatform Tor\n"
	if string(rng) != want {
		t.Fatalf("SignedRange = %q, want %q", rng, want)
	}
}
