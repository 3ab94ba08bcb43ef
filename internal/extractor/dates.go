package extractor

import (
	"time"

	"github.com/araddon/dateparse"
)

// normalizeDate parses a free-text date into RFC 3339. Parsing failures
// leave the ISO field empty without aborting extraction.
func normalizeDate(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := dateparse.ParseAny(raw)
	if err != nil {
		return ""
	}
	return parsed.Format(time.RFC3339)
}
