package deploy

import (
	"regexp"
	"strings"
	"time"
)

const MaxNameLength = 63

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// NameFromBase appends a millisecond timestamp to base, e.g.
// huggingface-pytorch-inference-2023-03-01-10-20-30-123.
func NameFromBase(base string, now time.Time) string {
	suffix := now.UTC().Format("2006-01-02-15-04-05.000")
	suffix = strings.Replace(suffix, ".", "-", 1)

	base = strings.Trim(invalidNameChars.ReplaceAllString(base, "-"), "-")
	maxbase := MaxNameLength - len(suffix) - 1
	if len(base) > maxbase {
		base = strings.TrimRight(base[:maxbase], "-")
	}
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}
