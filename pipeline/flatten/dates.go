// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package flatten

import (
	"regexp"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
)

var xsdDateRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})(Z|[+-]\d{2}:\d{2})?$`)

// ParseXSDDate parses an xsd:date value at midnight. A trailing Z is dropped,
// explicit offsets are kept, -00:00 normalises to +00:00. Invalid calendar
// dates return false.
func ParseXSDDate(value string) (time.Time, bool) {
	match := xsdDateRe.FindStringSubmatch(value)
	if match == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", match[1])
	if err != nil {
		return time.Time{}, false
	}
	zone := match[2]
	if zone == "" || zone == "Z" {
		return t, true
	}

	hours, _ := strconv.Atoi(zone[1:3])
	minutes, _ := strconv.Atoi(zone[4:6])
	offset := hours*3600 + minutes*60
	if zone[0] == '-' {
		offset = -offset
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.FixedZone("", offset)), true
}

// reformatDate renders a date-like value the way the search index expects,
// millisecond precision with a literal Z regardless of zone.
func reformatDate(value string) (string, bool) {
	t, ok := ParseXSDDate(value)
	if !ok {
		parsed, err := dateparse.ParseAny(value)
		if err != nil {
			return "", false
		}
		t = parsed
	}
	return t.Format("2006-01-02T15:04:05.000") + "Z", true
}
