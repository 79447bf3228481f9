package detector

import (
	"bytes"
	"testing"

	"github.com/nih-at/ckmame-sub002/hashes"
)

const nesDetectorXML = `<?xml version="1.0"?>
<detector>
  <name>NES</name>
  <author>test</author>
  <version>1.0</version>
  <rule start_offset="0x10" operation="none">
    <data offset="0x0" value="4e45531a" result="true"/>
  </rule>
</detector>`

func TestParseAndStripNESHeader(t *testing.T) {
	d, err := ParseBytes([]byte(nesDetectorXML))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if d.Name != "NES" || len(d.Rules) != 1 {
		t.Fatalf("unexpected detector: %+v", d)
	}

	header := []byte{0x4e, 0x45, 0x53, 0x1a, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	payload := []byte("game data payload")
	data := append(append([]byte{}, header...), payload...)

	stripped, err := Strip(d, data)
	if err != nil {
		t.Fatalf("Strip: %v", err)
	}
	if !bytes.Equal(stripped, payload) {
		t.Fatalf("expected header stripped, got %q", stripped)
	}
}

func TestStripNoMatchReturnsOriginal(t *testing.T) {
	d, err := ParseBytes([]byte(nesDetectorXML))
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("not an ines rom at all!!")
	stripped, err := Strip(d, data)
	if err != nil {
		t.Fatalf("Strip: %v", err)
	}
	if !bytes.Equal(stripped, data) {
		t.Fatalf("expected unmodified data when no rule matches")
	}
}

func TestApplyAndHash(t *testing.T) {
	d, err := ParseBytes([]byte(nesDetectorXML))
	if err != nil {
		t.Fatal(err)
	}
	header := []byte{0x4e, 0x45, 0x53, 0x1a, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	payload := []byte("payload-bytes")
	data := append(append([]byte{}, header...), payload...)

	view, err := ApplyAndHash(d, data, hashes.TypeAll)
	if err != nil {
		t.Fatalf("ApplyAndHash: %v", err)
	}
	if view.Size.Value != int64(len(payload)) {
		t.Fatalf("expected stripped size %d, got %d", len(payload), view.Size.Value)
	}
	want, _ := hashes.FromBytes(payload, hashes.TypeAll)
	if !view.Hashes.Equal(want) {
		t.Fatalf("stripped hash mismatch")
	}
}
