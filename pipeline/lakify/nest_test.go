// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package lakify_test

import (
	"encoding/json"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"

	"github.com/IATI/refresher/pipeline/lakify"
)

func TestNest(t *testing.T) {
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(`<iati-activity default-currency="EUR">
  <iati-identifier>XX-1</iati-identifier>
  <title>
    <narrative xml:lang="en">Hello</narrative>
    <narrative/>
  </title>
  <!-- a comment -->
  <?process me?>
</iati-activity>`))

	nested, err := json.Marshal(lakify.Nest(doc.Root()))
	require.NoError(t, err)

	require.JSONEq(t, `{
		"iati-activity": [{
			"@default-currency": "EUR",
			"iati-identifier": [{"text()": "XX-1"}],
			"title": [{
				"narrative": [
					{"@xml:lang": "en", "text()": "Hello"},
					{"text()": ""}
				]
			}],
			"comment()": [{"text()": " a comment "}],
			"PI()": [{"text()": "me"}]
		}]
	}`, string(nested))
}

func TestNest_RepeatedElements(t *testing.T) {
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(
		`<transaction><value currency="EUR">1</value><value currency="USD">2</value></transaction>`))

	nested, err := json.Marshal(lakify.Nest(doc.Root()))
	require.NoError(t, err)

	require.JSONEq(t, `{
		"transaction": [{
			"value": [
				{"@currency": "EUR", "text()": "1"},
				{"@currency": "USD", "text()": "2"}
			]
		}]
	}`, string(nested))
}
