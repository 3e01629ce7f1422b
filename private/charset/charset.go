// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package charset re-encodes arbitrarily encoded publisher content as UTF-8.
package charset

import (
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/ianaindex"
)

// DecodeToUTF8 returns the content re-encoded as UTF-8, or false when no
// charset could be determined.
func DecodeToUTF8(body []byte) ([]byte, bool) {
	if utf8.Valid(body) {
		return body, true
	}

	result, err := chardet.NewTextDetector().DetectBest(body)
	if err != nil || result == nil || result.Charset == "" {
		return nil, false
	}
	enc, err := ianaindex.IANA.Encoding(result.Charset)
	if err != nil || enc == nil {
		return nil, false
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, false
	}
	return decoded, true
}
