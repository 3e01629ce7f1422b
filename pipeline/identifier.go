// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package pipeline

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// CleanIdentifier normalises an iati-identifier before hashing. Flatten and
// lakify must agree on this, otherwise solrize cannot find the lake blobs.
func CleanIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\n", "")
	identifier = strings.ReplaceAll(identifier, "\r", "")
	return strings.TrimSpace(identifier)
}

// HashForIdentifier returns the hex SHA-1 the lake and search index key
// activities by.
func HashForIdentifier(identifier string) string {
	sum := sha1.Sum([]byte(identifier))
	return hex.EncodeToString(sum[:])
}
