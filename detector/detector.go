// Package detector implements clrmamepro-style header-skip detectors: a
// declarative byte-range rule engine describing how to identify and strip
// a header a dumping tool prepended to a ROM before hashing it. The XML
// schema is unmarshaled with encoding/xml in the same tag-driven, no-custom-
// unmarshaler style as the teacher's types.Dat/types.Rom (types/types.go).
package detector

import (
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"io"
	"io/ioutil"

	"github.com/nih-at/ckmame-sub002/ckerr"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/model"
)

// xmlDoc is the root <detector> element.
type xmlDoc struct {
	XMLName xml.Name  `xml:"detector"`
	Name    string    `xml:"name"`
	Author  string    `xml:"author"`
	Version string    `xml:"version"`
	Rules   []xmlRule `xml:"rule"`
}

type xmlRule struct {
	StartOffset string    `xml:"start_offset,attr"`
	EndOffset   string    `xml:"end_offset,attr"`
	Operation   string    `xml:"operation,attr"`
	Data        []xmlTest `xml:"data"`
	Or          []xmlTest `xml:"or"`
	And         []xmlTest `xml:"and"`
	Xor         []xmlTest `xml:"xor"`
	FileEq      []xmlTest `xml:"file"`
}

type xmlTest struct {
	Offset string `xml:"offset,attr"`
	Value  string `xml:"value,attr"`
	Mask   string `xml:"mask,attr"`
	Result string `xml:"result,attr"`
	Size   string `xml:"size,attr"`  // for <file>: "PO2" or numeric
	Length string `xml:"length,attr"`
}

// Parse reads a clrmamepro detector XML document.
func Parse(r io.Reader) (*model.Detector, error) {
	var doc xmlDoc
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, ckerr.Format.Wrap(err, "parsing detector XML")
	}

	d := &model.Detector{Name: doc.Name, Author: doc.Author, Version: doc.Version}
	for _, xr := range doc.Rules {
		rule, err := convertRule(xr)
		if err != nil {
			return nil, err
		}
		d.Rules = append(d.Rules, rule)
	}
	return d, nil
}

// ParseBytes is a convenience wrapper around Parse for in-memory XML.
func ParseBytes(b []byte) (*model.Detector, error) {
	return Parse(bytes.NewReader(b))
}

// ParseFile reads and parses a detector XML file from disk.
func ParseFile(path string) (*model.Detector, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, ckerr.IO.Wrap(err, "reading detector file %s", path)
	}
	return ParseBytes(b)
}

func convertRule(xr xmlRule) (*model.DetectorRule, error) {
	start, err := parseSignedOffset(xr.StartOffset, 0)
	if err != nil {
		return nil, ckerr.Format.Wrap(err, "rule start_offset")
	}
	end := model.EndOffsetEOF
	if xr.EndOffset != "" && xr.EndOffset != "EOF" {
		end, err = parseSignedOffset(xr.EndOffset, 0)
		if err != nil {
			return nil, ckerr.Format.Wrap(err, "rule end_offset")
		}
	}

	rule := &model.DetectorRule{
		StartOffset: start,
		EndOffset:   end,
		Operation:   parseOperation(xr.Operation),
	}

	add := func(kind model.TestType, xts []xmlTest) error {
		for _, xt := range xts {
			t, err := convertTest(kind, xt)
			if err != nil {
				return err
			}
			rule.Tests = append(rule.Tests, t)
		}
		return nil
	}
	if err := add(model.TestData, xr.Data); err != nil {
		return nil, err
	}
	if err := add(model.TestOr, xr.Or); err != nil {
		return nil, err
	}
	if err := add(model.TestAnd, xr.And); err != nil {
		return nil, err
	}
	if err := add(model.TestXor, xr.Xor); err != nil {
		return nil, err
	}
	if err := add(model.TestFileEq, xr.FileEq); err != nil {
		return nil, err
	}
	return rule, nil
}

func convertTest(kind model.TestType, xt xmlTest) (*model.DetectorTest, error) {
	t := &model.DetectorTest{Type: kind, Result: xt.Result != "false"}

	if kind == model.TestFileEq {
		switch xt.Size {
		case "PO2":
			t.PowerOfTwo = true
			t.Type = model.TestFileEq
		default:
			off, err := parseSignedOffset(xt.Size, 0)
			if err != nil {
				return nil, ckerr.Format.Wrap(err, "file test size")
			}
			t.Length = off
			switch xt.Result {
			case "less":
				t.Type = model.TestFileLe
			case "greater":
				t.Type = model.TestFileGr
			default:
				t.Type = model.TestFileEq
			}
		}
		return t, nil
	}

	off, err := parseSignedOffset(xt.Offset, 0)
	if err != nil {
		return nil, ckerr.Format.Wrap(err, "test offset")
	}
	t.Offset = off

	val, err := decodeHexOrNil(xt.Value)
	if err != nil {
		return nil, ckerr.Format.Wrap(err, "test value")
	}
	t.Value = val
	t.Length = int64(len(val))

	if xt.Mask != "" {
		mask, err := decodeHexOrNil(xt.Mask)
		if err != nil {
			return nil, ckerr.Format.Wrap(err, "test mask")
		}
		t.Mask = mask
	}
	return t, nil
}

func decodeHexOrNil(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func parseOperation(s string) model.TestOperation {
	switch s {
	case "bitswap":
		return model.OpBitswap
	case "byteswap":
		return model.OpByteswap
	case "wordswap":
		return model.OpWordswap
	default:
		return model.OpNone
	}
}

// parseSignedOffset parses a hex offset like "0x10" or "-0x10", which
// detector XML uses for "from end of file" offsets.
func parseSignedOffset(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	s = trimHexPrefix(s)
	v, err := hexToInt64(s)
	if err != nil {
		return 0, err
	}
	if neg {
		v = -v
	}
	return v, nil
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func hexToInt64(s string) (int64, error) {
	b, err := hex.DecodeString(pad(s))
	if err != nil {
		return 0, err
	}
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v, nil
}

func pad(s string) string {
	if len(s)%2 != 0 {
		return "0" + s
	}
	return s
}

// applyOperation returns a transformed copy of b according to op; Strip
// applies it only to the accepted range, never before running tests.
func applyOperation(b []byte, op model.TestOperation) []byte {
	out := append([]byte(nil), b...)
	switch op {
	case model.OpByteswap:
		for i := 0; i+1 < len(out); i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	case model.OpWordswap:
		for i := 0; i+3 < len(out); i += 4 {
			out[i], out[i+1], out[i+2], out[i+3] = out[i+2], out[i+3], out[i], out[i+1]
		}
	case model.OpBitswap:
		for i, c := range out {
			out[i] = reverseBits(c)
		}
	}
	return out
}

func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r <<= 1
		r |= b & 1
		b >>= 1
	}
	return r
}

// Strip evaluates d's rules against the content in data and returns the
// byte range after the first header recognized by a matching rule, with the
// rule's swap operation (if any) applied, or the whole of data unchanged if
// no rule matches (per spec.md §4.D "a detector with no matching rule is a
// no-op, not an error"). Matching a rule never looks at byte-swapped data -
// only the accepted range handed back here is swapped, mirroring
// detector_execute.c's compute_values, which applies the rule's operation
// only to the hashed/output range after execute_rule's tests have already
// passed against the raw file.
func Strip(d *model.Detector, data []byte) ([]byte, error) {
	for _, rule := range d.Rules {
		ok, err := evalRule(rule, data)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		start, end, inRange := ruleRange(rule, int64(len(data)))
		if !inRange {
			return nil, ckerr.Format.New("detector rule start_offset %d beyond file size %d", start, len(data))
		}
		return applyOperation(data[start:end], rule.Operation), nil
	}
	return data, nil
}

func resolveOffset(off int64, size int) int64 {
	if off < 0 {
		return int64(size) + off
	}
	return off
}

// ruleRange resolves a rule's start/end offsets against a file of the given
// size, per detector_execute.c's execute_rule (detector_execute.c:259-280):
// a negative offset counts back from EOF, and a rule whose range falls
// outside [0, size] or is inverted never matches.
func ruleRange(rule *model.DetectorRule, size int64) (start, end int64, ok bool) {
	start = resolveOffset(rule.StartOffset, int(size))
	if rule.EndOffset == model.EndOffsetEOF {
		end = size
	} else {
		end = resolveOffset(rule.EndOffset, int(size))
	}
	if start < 0 || start > size || end < 0 || end > size || start > end {
		return 0, 0, false
	}
	return start, end, true
}

// evalRule runs rule's tests against the raw, unswapped file buffer. Each
// test resolves its own offset independently of the rule's start/end window
// (detector_execute.c:259-321, execute_test reads at an absolute file
// offset, not one relative to the rule being evaluated); the window is only
// used to decide whether the rule is even in range for this file.
func evalRule(rule *model.DetectorRule, data []byte) (bool, error) {
	size := int64(len(data))
	if _, _, ok := ruleRange(rule, size); !ok {
		return false, nil
	}

	for _, t := range rule.Tests {
		ok, err := evalTest(t, data, size)
		if err != nil {
			return false, err
		}
		if ok != t.Result {
			return false, nil
		}
	}
	return true, nil
}

// evalTest evaluates a single test against the raw file buffer at its own
// absolute offset (negative counts back from EOF), independent of whatever
// rule it belongs to.
func evalTest(t *model.DetectorTest, data []byte, fileSize int64) (bool, error) {
	switch t.Type {
	case model.TestFileEq, model.TestFileLe, model.TestFileGr:
		if t.PowerOfTwo {
			return isPowerOfTwo(fileSize), nil
		}
		switch t.Type {
		case model.TestFileLe:
			return fileSize <= t.Length, nil
		case model.TestFileGr:
			return fileSize >= t.Length, nil
		default:
			return fileSize == t.Length, nil
		}
	}

	off := t.Offset
	if off < 0 {
		off += fileSize
	}
	if off < 0 || off+t.Length > fileSize {
		return false, nil
	}
	actual := data[off : off+t.Length]

	if t.Mask == nil {
		return bytes.Equal(actual, t.Value), nil
	}

	// A mask selects per-type bitwise comparison against the raw bytes,
	// matching detector_execute.c's bit_cmp (detector_execute.c:139-166):
	// AND tests (b[i]&mask[i])==value[i], OR tests (b[i]|mask[i])==value[i],
	// XOR tests (b[i]^mask[i])==value[i]. A masked <data> test (not part of
	// the real XML schema) falls through to "never matches", same as
	// bit_cmp's default case.
	switch t.Type {
	case model.TestAnd:
		return bitCmp(actual, t.Value, t.Mask, func(b, m byte) byte { return b & m }), nil
	case model.TestOr:
		return bitCmp(actual, t.Value, t.Mask, func(b, m byte) byte { return b | m }), nil
	case model.TestXor:
		return bitCmp(actual, t.Value, t.Mask, func(b, m byte) byte { return b ^ m }), nil
	default:
		return false, nil
	}
}

func bitCmp(actual, value, mask []byte, op func(b, m byte) byte) bool {
	for i := range value {
		if i >= len(actual) || i >= len(mask) {
			return false
		}
		if op(actual[i], mask[i]) != value[i] {
			return false
		}
	}
	return true
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

// ApplyAndHash strips d's header (if any) from data and computes the
// DetectorView (stripped size + hashes) used for the "detector-view"
// comparison path in the matcher.
func ApplyAndHash(d *model.Detector, data []byte, want hashes.Types) (*model.DetectorView, error) {
	stripped, err := Strip(d, data)
	if err != nil {
		return nil, err
	}
	h, err := hashes.FromBytes(stripped, want)
	if err != nil {
		return nil, err
	}
	return &model.DetectorView{Size: model.KnownSize(int64(len(stripped))), Hashes: h}, nil
}
