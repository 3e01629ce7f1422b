// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package charset_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/IATI/refresher/private/charset"
)

func TestDecodeToUTF8(t *testing.T) {
	utf8Body := []byte(`<?xml version="1.0"?><iati-activities generated-datetime="2023-01-01"/>`)
	decoded, ok := charset.DecodeToUTF8(utf8Body)
	require.True(t, ok)
	require.Equal(t, utf8Body, decoded)

	latin1, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(
		`<?xml version="1.0" encoding="ISO-8859-1"?><iati-activities><narrative>Réseau général für Ärzte déjà</narrative></iati-activities>`))
	require.NoError(t, err)
	decoded, ok = charset.DecodeToUTF8(latin1)
	require.True(t, ok)
	require.Contains(t, string(decoded), "Réseau")
}
