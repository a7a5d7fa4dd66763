// Package sessionlog reads boot/shutdown history and turns it into session
// records.
package sessionlog

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/goodtune/avadhi/internal/span"
)

// timestampLayout matches `last -F` full timestamps once runs of spaces are
// collapsed.
const timestampLayout = "Mon Jan 2 15:04:05 2006"

var rebootLine = regexp.MustCompile(
	`^reboot\s+system boot\s+.*?\s+` +
		`([A-Z][a-z]{2}\s+[A-Z][a-z]{2}\s+\d+\s+\d{2}:\d{2}:\d{2}\s+\d{4})\s+` +
		`(?:-\s+([A-Z][a-z]{2}\s+[A-Z][a-z]{2}\s+\d+\s+\d{2}:\d{2}:\d{2}\s+\d{4})|still running)`,
)

// Parse reads `last -x -F reboot` output. Sessions that are still running
// end at now. Lines that are not reboot records are ignored, as are records
// whose end precedes their start.
func Parse(r io.Reader, now time.Time, loc *time.Location) ([]span.SessionRecord, error) {
	var records []span.SessionRecord

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m := rebootLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}

		start, err := parseTimestamp(m[1], loc)
		if err != nil {
			return nil, err
		}

		end := now.In(loc)
		if m[2] != "" {
			end, err = parseTimestamp(m[2], loc)
			if err != nil {
				return nil, err
			}
		}

		if end.Before(start) {
			continue
		}
		records = append(records, span.SessionRecord{Start: start, End: end})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}

	return records, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(timestampLayout, strings.Join(strings.Fields(s), " "), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid session timestamp %q: %w", s, err)
	}
	return t, nil
}
