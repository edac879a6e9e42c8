// Package export decodes the portal's tab-separated usage downloads into
// usage records. The download is the same document an operator gets from
// the portal's spreadsheet button: one header line, then one row per
// bucket with a timestamp column and a quantity column.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
)

// ErrStructureMismatch means the document no longer looks like a usage
// export at all. This is the portal changing shape underneath us, which
// must be surfaced differently from a few bad rows.
var ErrStructureMismatch = errors.New("structure_mismatch")

// UnitGallons is the canonical storage unit. Exports are requested in
// gallons; documents that arrive in CCF are converted.
const UnitGallons = "GALLONS"

// One hundred cubic feet in gallons.
const gallonsPerCCF = 748.052

// Options carry the request context a document cannot stand without:
// hourly rows hold only a clock hour and daily rows may omit the year,
// so dates are reconstructed from the requested window.
type Options struct {
	Resolution  statisticsdomain.Resolution
	WindowStart time.Time
	WindowEnd   time.Time
}

// Result is a fully decoded document.
type Result struct {
	// Records are the parsed buckets in ascending order.
	Records []statisticsdomain.UsageRecord

	// Unavailable lists buckets the portal explicitly reported without a
	// value. They are remembered so gap detection does not re-request
	// them forever.
	Unavailable []time.Time

	// Skipped counts rows dropped by the row tolerance policy.
	Skipped int
}

// Parse decodes one export document. Individual malformed rows are skipped
// and counted; only a missing or unrecognizable header fails the call.
func Parse(r io.Reader, opts Options) (*Result, error) {
	if !opts.Resolution.Valid() {
		return nil, statisticsdomain.ErrInvalidResolution
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	header, err := readHeader(scanner)
	if err != nil {
		return nil, err
	}
	convertCCF := strings.Contains(strings.ToUpper(header), "CCF")

	result := &Result{}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			result.Skipped++
			continue
		}

		ts, ok := parseTimestamp(strings.TrimSpace(parts[0]), opts)
		if !ok {
			result.Skipped++
			continue
		}
		if !aligned(opts.Resolution, ts) {
			result.Skipped++
			continue
		}

		rawValue := strings.TrimSpace(parts[1])
		if isNoData(rawValue) {
			result.Unavailable = append(result.Unavailable, ts)
			continue
		}

		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil || value < 0 {
			result.Skipped++
			continue
		}
		if convertCCF {
			value *= gallonsPerCCF
		}

		result.Records = append(result.Records, statisticsdomain.UsageRecord{
			BucketStart: ts,
			Resolution:  opts.Resolution,
			Value:       value,
			Unit:        UnitGallons,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}

	sort.Slice(result.Records, func(i, j int) bool {
		return result.Records[i].BucketStart.Before(result.Records[j].BucketStart)
	})
	sort.Slice(result.Unavailable, func(i, j int) bool {
		return result.Unavailable[i].Before(result.Unavailable[j])
	})

	return result, nil
}

// readHeader consumes lines until the first non-empty one and checks it has
// the two-column tabular shape every known export variant shares.
func readHeader(scanner *bufio.Scanner) (string, error) {
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(strings.Split(line, "\t")) < 2 {
			return "", ErrStructureMismatch
		}
		return line, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read export: %w", err)
	}
	return "", ErrStructureMismatch
}

func isNoData(raw string) bool {
	switch strings.ToUpper(raw) {
	case "", "-", "--", "N/A", "NA", "NO DATA":
		return true
	}
	return false
}

func aligned(resolution statisticsdomain.Resolution, ts time.Time) bool {
	return resolution.Truncate(ts).Equal(ts)
}

// parseTimestamp handles every timestamp variant the portal has been seen
// to emit, per resolution. Newer exports dropped the date from hourly rows
// and the year from daily rows, so both rely on the requested window.
func parseTimestamp(raw string, opts Options) (time.Time, bool) {
	switch opts.Resolution {
	case statisticsdomain.ResolutionHourly:
		return parseHourly(raw, opts.WindowEnd)
	case statisticsdomain.ResolutionDaily:
		return parseDaily(raw, opts.WindowStart, opts.WindowEnd)
	case statisticsdomain.ResolutionMonthly:
		return parseMonthly(raw)
	}
	return time.Time{}, false
}

func parseHourly(raw string, windowEnd time.Time) (time.Time, bool) {
	if ts, err := time.ParseInLocation("01/02/2006 15:04:05", raw, time.UTC); err == nil {
		return ts, true
	}

	// "12 AM" .. "11 PM": a bare clock hour on the requested day.
	fields := strings.Fields(strings.ToUpper(raw))
	if len(fields) != 2 {
		return time.Time{}, false
	}
	hour, err := strconv.Atoi(fields[0])
	if err != nil || hour < 1 || hour > 12 {
		return time.Time{}, false
	}
	switch fields[1] {
	case "AM":
		if hour == 12 {
			hour = 0
		}
	case "PM":
		if hour != 12 {
			hour += 12
		}
	default:
		return time.Time{}, false
	}

	day := windowEnd.UTC()
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, time.UTC), true
}

func parseDaily(raw string, windowStart, windowEnd time.Time) (time.Time, bool) {
	if ts, err := time.ParseInLocation("01/02/2006", raw, time.UTC); err == nil {
		return ts, true
	}

	// "MM/DD" without a year: take it from the requested window, then fix
	// up exports that straddle New Year in either direction.
	parts := strings.Split(raw, "/")
	if len(parts) != 2 {
		return time.Time{}, false
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(parts[1])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}

	year := windowStart.Year()
	ts := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if ts.Month() != time.Month(month) {
		// Day overflowed the month, e.g. 02/30.
		return time.Time{}, false
	}

	if ts.Before(windowStart.UTC()) && windowStart.Month() == time.December && month == 1 {
		ts = time.Date(year+1, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	} else if ts.After(windowEnd.UTC()) && windowEnd.Month() == time.January && month == 12 {
		ts = time.Date(year-1, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	}

	return ts, true
}

func parseMonthly(raw string) (time.Time, bool) {
	if ts, err := time.ParseInLocation("01/2006", raw, time.UTC); err == nil {
		return ts, true
	}

	// "Dec 23": month abbreviation and a two-digit year.
	if ts, err := time.ParseInLocation("Jan 06", raw, time.UTC); err == nil {
		return ts, true
	}

	return time.Time{}, false
}
