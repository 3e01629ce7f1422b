// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package flatten turns cleaned documents into flattened activity records, a
// flat mapping from canonical snake_case names to scalars or lists of scalars.
package flatten

import (
	"strings"

	"github.com/beevik/etree"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/IATI/refresher/pipeline"
)

var (
	// Error is the default flatten errs class.
	Error = errs.Class("flatten")

	// ErrNonIATI marks content whose root element is not iati-activities.
	ErrNonIATI = errs.New("Non-IATI XML")

	mon = monkit.Package()
)

// currencyDefaulted lists the canonical prefixes that inherit the activity
// default-currency when their element carries no currency of its own.
var currencyDefaulted = map[string]bool{
	"budget_value":               true,
	"transaction_value":          true,
	"planned_disbursement_value": true,
}

// dateNameHints are matched as substrings against canonical names; matching
// values are reformatted for the search index or dropped when unparseable.
var dateNameHints = []string{"iso_date", "value_date", "extraction_date", "_datetime"}

var canonicalReplacer = strings.NewReplacer("-", "_", ":", "_")

// Flattener flattens activities. The explode elements are additionally
// emitted as sub-records under "@<element>".
type Flattener struct {
	explode []string
}

// NewFlattener returns a flattener emitting sub-records for the given
// elements.
func NewFlattener(explode []string) *Flattener {
	return &Flattener{explode: explode}
}

// Process flattens every activity of a cleaned document. The root element's
// version, generated-datetime and linked-data-default attributes are copied
// onto every record.
func (f *Flattener) Process(source []byte) ([]map[string]any, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(source); err != nil {
		return nil, Error.Wrap(err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "iati-activities" {
		return nil, ErrNonIATI
	}

	rootAttrs := map[string]any{}
	// dataset_version is always present, blank when the file omits it
	f.add("dataset_version", root.SelectAttrValue("version", ""), rootAttrs)
	if value := root.SelectAttrValue("generated-datetime", ""); value != "" {
		f.add("dataset_generated_datetime", value, rootAttrs)
	}
	if value := root.SelectAttrValue("linked-data-default", ""); value != "" {
		f.add("dataset_linked_data_default", value, rootAttrs)
	}

	output := []map[string]any{}
	for _, activity := range root.SelectElements("iati-activity") {
		record := make(map[string]any, len(rootAttrs)+16)
		for name, value := range rootAttrs {
			record[name] = value
		}
		f.processElement(activity, record, "", activity)

		for _, name := range f.explode {
			children := activity.SelectElements(name)
			if len(children) == 0 {
				continue
			}
			subs := make([]map[string]any, 0, len(children))
			for _, child := range children {
				sub := map[string]any{}
				f.processElement(child, sub, name, activity)
				subs = append(subs, sub)
			}
			record["@"+name] = subs
		}

		output = append(output, record)
	}
	return output, nil
}

func (f *Flattener) processElement(el *etree.Element, out map[string]any, prefix string, activity *etree.Element) {
	for _, attr := range el.Attr {
		if attr.Space == "xmlns" || (attr.Space == "" && attr.Key == "xmlns") {
			continue
		}
		f.add(canonical(attrName(attr), prefix), attr.Value, out)
	}

	if currencyDefaulted[prefix] && el.SelectAttr("currency") == nil {
		if def := activity.SelectAttr("default-currency"); def != nil {
			f.add(prefix+"_currency", def.Value, out)
		}
	}

	if text := strings.TrimSpace(el.Text()); text != "" && prefix != "" {
		f.add(prefix, text, out)
	}

	for _, child := range el.ChildElements() {
		f.processElement(child, out, canonical(elementName(child), prefix), activity)
	}
}

// add stores a value under its canonical name, promoting repeats to lists and
// normalising date-like values.
func (f *Flattener) add(name, value string, out map[string]any) {
	value = strings.TrimSpace(value)

	// the lake keys activities by the hash of the cleaned identifier
	if name == "iati_identifier" {
		value = pipeline.CleanIdentifier(value)
	}

	if dateLike(name) {
		formatted, ok := reformatDate(value)
		if !ok {
			// the search index rejects malformed dates outright
			return
		}
		value = formatted
	}

	existing, ok := out[name]
	if !ok {
		out[name] = value
		return
	}
	if list, isList := existing.([]any); isList {
		out[name] = append(list, value)
		return
	}
	out[name] = []any{existing, value}
}

func dateLike(name string) bool {
	for _, hint := range dateNameHints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

// canonical collapses a namespaced XML name to its flat snake_case form.
// Prefixes stay verbatim; the default namespace carries none.
func canonical(name, prefix string) string {
	name = canonicalReplacer.Replace(name)
	if prefix != "" {
		return prefix + "_" + name
	}
	return name
}

func attrName(attr etree.Attr) string {
	if attr.Space != "" {
		return attr.Space + ":" + attr.Key
	}
	return attr.Key
}

func elementName(el *etree.Element) string {
	if el.Space != "" {
		return el.Space + ":" + el.Tag
	}
	return el.Tag
}
