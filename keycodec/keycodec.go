// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keycodec implements the binary key grammar used over an
// ordered byte-keyed store: data-store keys, insertion-index keys,
// head keys, version keys, and user-store keys, plus the prefix builders
// used for range scans.
//
// Numbers are encoded length-prefixed big-endian (lbeint): one length
// byte (1..254) followed by that many big-endian bytes of the unsigned
// value. Strings are length-prefixed ASCII with a trailing NUL counted
// in the length, grounded on _examples/aghassemi-go.ref/services/syncbase/common's JoinKeyParts-style
// separator encoding but using an explicit length prefix instead of a
// sentinel byte, since ASCII item ids may otherwise collide with the
// separator.
package keycodec

import (
	"encoding/binary"
	"fmt"
)

// Subkey tags.
const (
	tagData    byte = 0x01
	tagInsert  byte = 0x02
	tagHead    byte = 0x03
	tagVersion byte = 0x04
	tagUser    byte = 0x05
)

// OptConflict is the single bit defined in the headkey value's opts byte.
const OptConflict byte = 0x01

// encodeString appends a length-prefixed ASCII string (len includes the
// trailing NUL; the string itself must not contain NUL).
func encodeString(dst []byte, s string) ([]byte, error) {
	if len(s)+1 > 254 {
		return nil, fmt.Errorf("keycodec: string %q too long", s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0 {
			return nil, fmt.Errorf("keycodec: string contains NUL byte")
		}
		if c > 127 {
			return nil, fmt.Errorf("keycodec: string %q is not ASCII", s)
		}
	}
	dst = append(dst, byte(len(s)+1))
	dst = append(dst, s...)
	dst = append(dst, 0)
	return dst, nil
}

// decodeString reads a length-prefixed ASCII string and returns the
// string plus the remaining bytes.
func decodeString(src []byte) (string, []byte, error) {
	if len(src) < 1 {
		return "", nil, fmt.Errorf("keycodec: truncated string length")
	}
	n := int(src[0])
	if n == 0 {
		return "", nil, fmt.Errorf("keycodec: zero-length string field")
	}
	if len(src) < 1+n {
		return "", nil, fmt.Errorf("keycodec: truncated string body")
	}
	body := src[1:n] // exclude trailing NUL, which is src[n]
	if src[n] != 0 {
		return "", nil, fmt.Errorf("keycodec: missing trailing NUL")
	}
	return string(body), src[1+n:], nil
}

// encodeLBEInt appends a length-prefixed big-endian unsigned integer
// (lbeint).
func encodeLBEInt(dst []byte, v uint64) ([]byte, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	// Trim leading zero bytes, but keep at least one byte so zero encodes
	// as a single 0x00.
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	b := buf[i:]
	if len(b) > 254 {
		return nil, fmt.Errorf("keycodec: integer too large to encode")
	}
	dst = append(dst, byte(len(b)))
	dst = append(dst, b...)
	return dst, nil
}

// decodeLBEInt reads an lbeint and returns the value plus remaining bytes.
func decodeLBEInt(src []byte) (uint64, []byte, error) {
	if len(src) < 1 {
		return 0, nil, fmt.Errorf("keycodec: truncated int length")
	}
	n := int(src[0])
	if n < 1 || n > 254 {
		return 0, nil, fmt.Errorf("keycodec: invalid int length byte %d", n)
	}
	if len(src) < 1+n {
		return 0, nil, fmt.Errorf("keycodec: truncated int body")
	}
	var buf [8]byte
	copy(buf[8-n:], src[1:1+n])
	return binary.BigEndian.Uint64(buf[:]), src[1+n:], nil
}

// encodeBytesLBE appends a length-prefixed raw byte string, reusing the
// lbeint length prefix (it is only ever used for Version, which is
// typically ≤6 bytes, so the 1-byte length prefix never overflows).
func encodeBytesLBE(dst []byte, b []byte) ([]byte, error) {
	if len(b) > 254 {
		return nil, fmt.Errorf("keycodec: byte string too long")
	}
	dst = append(dst, byte(len(b)))
	dst = append(dst, b...)
	return dst, nil
}

func decodeBytesLBE(src []byte) ([]byte, []byte, error) {
	if len(src) < 1 {
		return nil, nil, fmt.Errorf("keycodec: truncated bytes length")
	}
	n := int(src[0])
	if len(src) < 1+n {
		return nil, nil, fmt.Errorf("keycodec: truncated bytes body")
	}
	return src[1 : 1+n], src[1+n:], nil
}

// EncodeDSKey builds a data-store key: name 0x01 id ival.
func EncodeDSKey(name string, id string, i uint64) ([]byte, error) {
	key, err := encodeString(nil, name)
	if err != nil {
		return nil, err
	}
	key = append(key, tagData)
	key, err = encodeString(key, id)
	if err != nil {
		return nil, err
	}
	return encodeLBEInt(key, i)
}

// EncodeIKey builds an insertion-index key: name 0x02 ival.
func EncodeIKey(name string, i uint64) ([]byte, error) {
	key, err := encodeString(nil, name)
	if err != nil {
		return nil, err
	}
	key = append(key, tagInsert)
	return encodeLBEInt(key, i)
}

// EncodeHeadKey builds a head-index key: name 0x03 id version.
func EncodeHeadKey(name string, id string, version []byte) ([]byte, error) {
	key, err := encodeString(nil, name)
	if err != nil {
		return nil, err
	}
	key = append(key, tagHead)
	key, err = encodeString(key, id)
	if err != nil {
		return nil, err
	}
	return encodeBytesLBE(key, version)
}

// EncodeVKey builds a version-index key: name 0x04 version.
func EncodeVKey(name string, version []byte) ([]byte, error) {
	key, err := encodeString(nil, name)
	if err != nil {
		return nil, err
	}
	key = append(key, tagVersion)
	return encodeBytesLBE(key, version)
}

// EncodeUSKey builds a user-store key: name 0x05 string.
func EncodeUSKey(name string, userKey string) ([]byte, error) {
	key, err := encodeString(nil, name)
	if err != nil {
		return nil, err
	}
	key = append(key, tagUser)
	return encodeString(key, userKey)
}

// HeadKeyPrefix returns the prefix that bounds a per-id head-key range
// scan: name 0x03 id. Used by Tree.GetHeads.
func HeadKeyPrefix(name string, id string) ([]byte, error) {
	key, err := encodeString(nil, name)
	if err != nil {
		return nil, err
	}
	key = append(key, tagHead)
	return encodeString(key, id)
}

// DSKeyPrefix returns the prefix that bounds a per-id data-store range
// scan: name 0x01 id.
func DSKeyPrefix(name string, id string) ([]byte, error) {
	key, err := encodeString(nil, name)
	if err != nil {
		return nil, err
	}
	key = append(key, tagData)
	return encodeString(key, id)
}

// IKeyPrefix returns the prefix that bounds the global insertion-order
// scan for one tree: name 0x02.
func IKeyPrefix(name string) ([]byte, error) {
	key, err := encodeString(nil, name)
	if err != nil {
		return nil, err
	}
	return append(key, tagInsert), nil
}

// PrefixUpperBound returns the lexicographically smallest key that is
// strictly greater than every key with the given prefix, for use as the
// exclusive end of a range scan. Returns nil if prefix is all 0xFF bytes
// (unbounded above).
func PrefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// DecodedKey is the parsed form of any key produced by this package,
// used by range-scan callers that need to recover the id/version/i a key
// encodes without re-deriving it from the value.
type DecodedKey struct {
	Name    string
	Tag     byte
	ID      string
	I       uint64
	Version []byte
	UserKey string
}

// Decode parses any key produced by this package.
func Decode(key []byte) (*DecodedKey, error) {
	name, rest, err := decodeString(key)
	if err != nil {
		return nil, err
	}
	if len(rest) < 1 {
		return nil, fmt.Errorf("keycodec: truncated key, missing tag")
	}
	tag := rest[0]
	rest = rest[1:]
	dk := &DecodedKey{Name: name, Tag: tag}
	switch tag {
	case tagData:
		id, rest2, err := decodeString(rest)
		if err != nil {
			return nil, err
		}
		i, _, err := decodeLBEInt(rest2)
		if err != nil {
			return nil, err
		}
		dk.ID, dk.I = id, i
	case tagInsert:
		i, _, err := decodeLBEInt(rest)
		if err != nil {
			return nil, err
		}
		dk.I = i
	case tagHead:
		id, rest2, err := decodeString(rest)
		if err != nil {
			return nil, err
		}
		v, _, err := decodeBytesLBE(rest2)
		if err != nil {
			return nil, err
		}
		dk.ID, dk.Version = id, v
	case tagVersion:
		v, _, err := decodeBytesLBE(rest)
		if err != nil {
			return nil, err
		}
		dk.Version = v
	case tagUser:
		uk, _, err := decodeString(rest)
		if err != nil {
			return nil, err
		}
		dk.UserKey = uk
	default:
		return nil, fmt.Errorf("keycodec: unknown tag 0x%02x", tag)
	}
	return dk, nil
}

// EncodeHeadValue builds the headkey value: opts byte followed by ival.
func EncodeHeadValue(conflict bool, i uint64) ([]byte, error) {
	var opts byte
	if conflict {
		opts = OptConflict
	}
	val := []byte{opts}
	return encodeLBEInt(val, i)
}

// DecodeHeadValue parses a headkey value.
func DecodeHeadValue(val []byte) (conflict bool, i uint64, err error) {
	if len(val) < 1 {
		return false, 0, fmt.Errorf("keycodec: truncated head value")
	}
	conflict = val[0]&OptConflict != 0
	i, _, err = decodeLBEInt(val[1:])
	return conflict, i, err
}
