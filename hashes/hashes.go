// Copyright (c) 2013 Uwe Hoffmann. All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are
// met: see the upstream romba license for the full text.

// Package hashes implements the multi-hash value (CRC32/MD5/SHA1) shared by
// catalog file descriptors and archive entries, and the streaming updater
// that feeds bytes into whichever subset of those digests is wanted.
package hashes

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/nih-at/ckmame-sub002/ckerr"
)

// Types is a bitmask of which hash types a Hashes value carries.
type Types uint8

const (
	TypeCrc Types = 1 << iota
	TypeMd5
	TypeSha1

	TypeNone Types = 0
	TypeAll  Types = TypeCrc | TypeMd5 | TypeSha1
)

const (
	SizeCrc  = crc32.Size
	SizeMd5  = md5.Size
	SizeSha1 = sha1.Size
)

// Compare is the outcome of comparing two Hashes values.
type Compare int

const (
	NoCommonType Compare = iota
	Mismatch
	Match
)

// Hashes holds any subset of {CRC32, MD5, SHA1} for a piece of content.
type Hashes struct {
	types Types
	crc   []byte
	md5   []byte
	sha1  []byte
}

// New returns an empty Hashes value with no types set.
func New() *Hashes {
	return &Hashes{}
}

func (h *Hashes) Types() Types { return h.types }

func (h *Hashes) Has(t Types) bool { return h.types&t == t }

func (h *Hashes) Crc() []byte  { return h.crc }
func (h *Hashes) Md5() []byte  { return h.md5 }
func (h *Hashes) Sha1() []byte { return h.sha1 }

// SetCrc, SetMd5, SetSha1 install raw digest bytes directly, e.g. when
// populating a Hashes value from a catalog row.
func (h *Hashes) SetCrc(b []byte) error {
	if len(b) != SizeCrc {
		return ckerr.Format.New("crc must be %d bytes, got %d", SizeCrc, len(b))
	}
	h.crc = append([]byte(nil), b...)
	h.types |= TypeCrc
	return nil
}

func (h *Hashes) SetMd5(b []byte) error {
	if len(b) != SizeMd5 {
		return ckerr.Format.New("md5 must be %d bytes, got %d", SizeMd5, len(b))
	}
	h.md5 = append([]byte(nil), b...)
	h.types |= TypeMd5
	return nil
}

func (h *Hashes) SetSha1(b []byte) error {
	if len(b) != SizeSha1 {
		return ckerr.Format.New("sha1 must be %d bytes, got %d", SizeSha1, len(b))
	}
	h.sha1 = append([]byte(nil), b...)
	h.types |= TypeSha1
	return nil
}

// ParseHex auto-detects the hash type from the hex string length (8, 32 or
// 40 hex chars) and sets it. A "0x" prefix on a CRC is stripped.
func ParseHex(s string) (*Hashes, error) {
	h := New()
	if err := h.ParseHexInto(s); err != nil {
		return nil, err
	}
	return h, nil
}

// ParseHexInto parses s and merges the resulting hash into h, auto-detecting
// the type from the string length.
func (h *Hashes) ParseHexInto(s string) error {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return ckerr.Format.New("odd-length hex string %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ckerr.Format.Wrap(err, "invalid hex string %q", s)
	}
	switch len(b) {
	case SizeCrc:
		return h.SetCrc(b)
	case SizeMd5:
		return h.SetMd5(b)
	case SizeSha1:
		return h.SetSha1(b)
	default:
		return ckerr.Format.New("ambiguous hash length %d for %q", len(b), s)
	}
}

func (h *Hashes) CrcString() string {
	if h.crc == nil {
		return ""
	}
	return hex.EncodeToString(h.crc)
}

func (h *Hashes) Md5String() string {
	if h.md5 == nil {
		return ""
	}
	return hex.EncodeToString(h.md5)
}

func (h *Hashes) Sha1String() string {
	if h.sha1 == nil {
		return ""
	}
	return hex.EncodeToString(h.sha1)
}

// TypesFromCommaList parses a comma separated list like "crc,md5,sha1" into
// a Types bitmask.
func TypesFromCommaList(s string) (Types, error) {
	var t Types
	if s == "" {
		return TypeNone, nil
	}
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "crc", "crc32":
			t |= TypeCrc
		case "md5":
			t |= TypeMd5
		case "sha1":
			t |= TypeSha1
		default:
			return 0, ckerr.Format.New("unknown hash type %q", part)
		}
	}
	return t, nil
}

// Compare reports whether h and other match: they match if every hash type
// present on both sides is equal; they mismatch if any common type differs;
// they have no common type if the intersection of types is empty.
func (h *Hashes) Compare(other *Hashes) Compare {
	common := h.types & other.types
	if common == TypeNone {
		return NoCommonType
	}
	if common&TypeCrc != 0 && !bytes.Equal(h.crc, other.crc) {
		return Mismatch
	}
	if common&TypeMd5 != 0 && !bytes.Equal(h.md5, other.md5) {
		return Mismatch
	}
	if common&TypeSha1 != 0 && !bytes.Equal(h.sha1, other.sha1) {
		return Mismatch
	}
	return Match
}

// Equal is a stricter form of Compare: true iff every type set on either
// side is set on both and equal.
func (h *Hashes) Equal(other *Hashes) bool {
	return h.types == other.types && h.Compare(other) == Match
}

// VerifyBytes computes hashes of b for the types already set on h and
// reports whether they match the stored values.
func (h *Hashes) VerifyBytes(b []byte) (Compare, error) {
	computed, err := FromBytes(b, h.types)
	if err != nil {
		return NoCommonType, err
	}
	return h.Compare(computed), nil
}

// FromBytes computes the requested hash types over b.
func FromBytes(b []byte, want Types) (*Hashes, error) {
	u := NewUpdate(want)
	if _, err := u.Write(b); err != nil {
		return nil, err
	}
	return u.End(), nil
}

// FromReader streams r through the requested hash types.
func FromReader(r io.Reader, want Types) (*Hashes, error) {
	u := NewUpdate(want)
	if _, err := io.Copy(u, r); err != nil {
		return nil, ckerr.IO.Wrap(err, "hashing stream")
	}
	return u.End(), nil
}

func (h *Hashes) String() string {
	var parts []string
	if h.types&TypeCrc != 0 {
		parts = append(parts, "crc="+h.CrcString())
	}
	if h.types&TypeMd5 != 0 {
		parts = append(parts, "md5="+h.Md5String())
	}
	if h.types&TypeSha1 != 0 {
		parts = append(parts, "sha1="+h.Sha1String())
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, " "))
}

// Update accumulates bytes into all requested hash types in one streaming
// pass; its lifetime must not exceed the Hashes it eventually produces.
type Update struct {
	want Types
	crc  hash.Hash32
	md5  hash.Hash
	sha1 hash.Hash
	w    io.Writer
}

// NewUpdate constructs a streaming updater for the requested hash types.
func NewUpdate(want Types) *Update {
	u := &Update{want: want}
	var writers []io.Writer

	if want&TypeCrc != 0 {
		u.crc = crc32.NewIEEE()
		writers = append(writers, u.crc)
	}
	if want&TypeMd5 != 0 {
		u.md5 = md5.New()
		writers = append(writers, u.md5)
	}
	if want&TypeSha1 != 0 {
		u.sha1 = sha1.New()
		writers = append(writers, u.sha1)
	}
	u.w = io.MultiWriter(writers...)
	return u
}

func (u *Update) Write(p []byte) (int, error) {
	return u.w.Write(p)
}

// End finalizes the accumulated digests into a new Hashes value.
func (u *Update) End() *Hashes {
	h := New()
	if u.crc != nil {
		h.crc = u.crc.Sum(nil)
		h.types |= TypeCrc
	}
	if u.md5 != nil {
		h.md5 = u.md5.Sum(nil)
		h.types |= TypeMd5
	}
	if u.sha1 != nil {
		h.sha1 = u.sha1.Sum(nil)
		h.types |= TypeSha1
	}
	return h
}
