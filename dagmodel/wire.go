// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dagmodel

import (
	"crypto/sha256"
	"encoding/base64"

	"go.mongodb.org/mongo-driver/bson"
)

// EncodeBSON serializes an item to the wire format used for dskey values
// and peer-to-peer exchange.
func EncodeBSON(item *Item) ([]byte, error) {
	return bson.Marshal(item)
}

// DecodeBSON parses an item previously produced by EncodeBSON.
func DecodeBSON(data []byte) (*Item, error) {
	var item Item
	if err := bson.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// EncodeVersionBytes returns the raw bytes of a Version for use as a
// keycodec version field.
func EncodeVersionBytes(v Version) []byte { return []byte(v) }

// GenerateVersion computes an engine-generated version for item: the
// first size bytes of the SHA-256 digest of its BSON encoding,
// base64-encoded. Two peers that reach the same merge input (same
// header sans version/insertion, same body) compute the same version
// without coordination. Callers must zero H.Version and H.Insertion
// before calling, since both are fixed up afterward and must not
// perturb the hash.
func GenerateVersion(item *Item, size int) (Version, error) {
	if size <= 0 || size > sha256.Size {
		size = DefaultVersionSize
	}
	body, err := EncodeBSON(item)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return Version(base64.RawURLEncoding.EncodeToString(sum[:size])), nil
}
