// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package lakify explodes cleaned documents into per-activity lake blobs,
// one XML subtree and one JSON nesting per activity.
package lakify

import (
	"strings"

	"github.com/beevik/etree"
)

// Nest renders an element as a JSON-shaped nesting: every element key holds a
// list of occurrence maps, attributes are keyed "@<attr>", text content is
// keyed "text()", comments and processing instructions use "comment()" and
// "PI()". A narrative element emits "text()" even when empty.
func Nest(el *etree.Element) map[string]any {
	out := map[string]any{}
	appendOccurrence(out, elementKey(el), nestElement(el))
	return out
}

func nestElement(el *etree.Element) map[string]any {
	occurrence := map[string]any{}

	for _, attr := range el.Attr {
		if attr.Space == "xmlns" || (attr.Space == "" && attr.Key == "xmlns") {
			continue
		}
		name := attr.Key
		if attr.Space != "" {
			name = attr.Space + ":" + attr.Key
		}
		occurrence["@"+name] = attr.Value
	}

	// narratives carry the human-readable content; an empty one still counts
	if text := strings.TrimSpace(el.Text()); text != "" {
		occurrence["text()"] = text
	} else if el.Tag == "narrative" {
		occurrence["text()"] = ""
	}

	for _, token := range el.Child {
		switch child := token.(type) {
		case *etree.Element:
			appendOccurrence(occurrence, elementKey(child), nestElement(child))
		case *etree.Comment:
			appendOccurrence(occurrence, "comment()", map[string]any{"text()": child.Data})
		case *etree.ProcInst:
			appendOccurrence(occurrence, "PI()", map[string]any{"text()": child.Inst})
		}
	}

	return occurrence
}

func appendOccurrence(out map[string]any, key string, occurrence map[string]any) {
	list, _ := out[key].([]any)
	out[key] = append(list, occurrence)
}

func elementKey(el *etree.Element) string {
	if el.Space != "" {
		return el.Space + ":" + el.Tag
	}
	return el.Tag
}
