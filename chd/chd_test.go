package chd

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
	"testing"
)

// buildV2 assembles a minimal synthetic v2 CHD image with two uncompressed
// hunks, enough to exercise header parsing and logical reads end to end. The
// header layout and the packed 8-byte map entries follow chd.c's
// read_header/read_map exactly: sector size lives at byte 76 (after both MD5
// fields), and a map entry packs a 44-bit offset and 20-bit length into one
// big-endian uint64.
func buildV2(t *testing.T, hunkBytes uint32, hunks [][]byte) []byte {
	t.Helper()

	const headerLen = 80
	header := make([]byte, headerLen)
	copy(header[0:8], magic)
	binary.BigEndian.PutUint32(header[8:12], headerLen)
	binary.BigEndian.PutUint32(header[12:16], 2)
	binary.BigEndian.PutUint32(header[16:20], 0) // flags
	binary.BigEndian.PutUint32(header[20:24], 0) // compression = none
	binary.BigEndian.PutUint32(header[24:28], 1) // hunk units (scaled by sector size below)
	binary.BigEndian.PutUint32(header[28:32], uint32(len(hunks)))
	binary.BigEndian.PutUint32(header[32:36], 1) // cylinders (unused)
	binary.BigEndian.PutUint32(header[36:40], 1) // heads (unused)
	binary.BigEndian.PutUint32(header[40:44], 1) // sectors (unused)
	// b[44:76] is MD5/parent MD5, left zero for this synthetic image.
	binary.BigEndian.PutUint32(header[76:80], hunkBytes) // sector size: 1 unit * hunkBytes == hunkBytes

	buf := bytes.NewBuffer(header)

	mapEntries := make([]byte, 0, 8*len(hunks))
	dataOffset := uint64(headerLen + 8*len(hunks))
	for range hunks {
		var v uint64
		v = uint64(hunkBytes)<<44 | (dataOffset & 0xFFFFFFFFFFF)
		entry := make([]byte, 8)
		binary.BigEndian.PutUint64(entry, v)
		mapEntries = append(mapEntries, entry...)
		dataOffset += uint64(hunkBytes)
	}
	buf.Write(mapEntries)
	for _, h := range hunks {
		padded := make([]byte, hunkBytes)
		copy(padded, h)
		buf.Write(padded)
	}
	return buf.Bytes()
}

func TestOpenV2UncompressedRoundTrip(t *testing.T) {
	hunkBytes := uint32(16)
	hunks := [][]byte{
		bytes.Repeat([]byte("A"), 16),
		bytes.Repeat([]byte("B"), 16),
	}
	data := buildV2(t, hunkBytes, hunks)

	rd, err := Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if rd.Info().LogicalSize != uint64(hunkBytes)*uint64(len(hunks)) {
		t.Fatalf("logical size = %d, want %d", rd.Info().LogicalSize, uint64(hunkBytes)*uint64(len(hunks)))
	}

	got := make([]byte, 32)
	n, err := rd.ReadAt(got, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 32 {
		t.Fatalf("expected 32 bytes, got %d", n)
	}
	want := append(append([]byte{}, hunks[0]...), hunks[1]...)
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

// buildV3 assembles a v3 CHD image with one zlib-compressed hunk carrying an
// explicit CRC32, to exercise the 16-byte map entry format and readHunk's
// CRC check (chd.c:560-567, chd.c:261-266).
func buildV3(t *testing.T, hunkBytes uint32, hunk []byte, compressed []byte, badCRC bool) []byte {
	t.Helper()

	const headerLen = 120
	header := make([]byte, headerLen)
	copy(header[0:8], magic)
	binary.BigEndian.PutUint32(header[8:12], headerLen)
	binary.BigEndian.PutUint32(header[12:16], 3)
	binary.BigEndian.PutUint32(header[16:20], 0) // flags
	binary.BigEndian.PutUint32(header[20:24], 1) // compression = zlib (v4_compressors[1])
	binary.BigEndian.PutUint32(header[24:28], 1) // total hunks
	binary.BigEndian.PutUint64(header[28:36], uint64(hunkBytes))
	binary.BigEndian.PutUint64(header[36:44], 0) // meta_offset, unused
	// b[44:76] MD5/parent MD5 left zero.
	binary.BigEndian.PutUint32(header[76:80], hunkBytes)
	// b[80:120] SHA1/parent SHA1 left zero (no verification in this test).

	buf := bytes.NewBuffer(header)

	crc := crc32.ChecksumIEEE(hunk)
	if badCRC {
		crc++
	}
	entry := make([]byte, 16)
	binary.BigEndian.PutUint64(entry[0:8], uint64(headerLen+16))
	binary.BigEndian.PutUint32(entry[8:12], crc)
	binary.BigEndian.PutUint16(entry[12:14], uint16(len(compressed)))
	binary.BigEndian.PutUint16(entry[14:16], 0x01) // v4MapTypes[1] == mapTypeCompressor0
	buf.Write(entry)
	buf.Write(compressed)
	return buf.Bytes()
}

func TestOpenV3CompressedHunkVerifiesCRC(t *testing.T) {
	hunk := bytes.Repeat([]byte("Z"), 16)
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	zw.Write(hunk)
	zw.Close()

	data := buildV3(t, uint32(len(hunk)), hunk, compressed.Bytes(), false)
	rd, err := Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := make([]byte, len(hunk))
	if _, err := rd.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, hunk) {
		t.Fatalf("got %q want %q", got, hunk)
	}
}

func TestOpenV3CompressedHunkRejectsBadCRC(t *testing.T) {
	hunk := bytes.Repeat([]byte("Z"), 16)
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	zw.Write(hunk)
	zw.Close()

	data := buildV3(t, uint32(len(hunk)), hunk, compressed.Bytes(), true)
	rd, err := Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := make([]byte, len(hunk))
	if _, err := rd.ReadAt(got, 0); err == nil {
		t.Fatal("expected CRC mismatch error, got nil")
	}
}

func TestOpenRejectsV5(t *testing.T) {
	header := make([]byte, 16)
	copy(header[0:8], magic)
	binary.BigEndian.PutUint32(header[8:12], 124)
	binary.BigEndian.PutUint32(header[12:16], 5)

	_, err := Open(bytes.NewReader(header), int64(len(header)))
	if err != ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	data := make([]byte, 16)
	copy(data, "NOTACHDHEADERXX")
	if _, err := Open(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatal("expected error for bad magic")
	}
}
