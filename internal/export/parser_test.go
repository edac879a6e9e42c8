package export

import (
	"strings"
	"testing"
	"time"

	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHourlyClockFormat(t *testing.T) {
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	doc := "Hour\tUsage (Gallons)\n" +
		"12 AM\t10.5\n" +
		"1 AM\t8.2\n" +
		"12 PM\t14.0\n" +
		"11 PM\t9.9\n"

	result, err := Parse(strings.NewReader(doc), Options{
		Resolution:  statisticsdomain.ResolutionHourly,
		WindowStart: day,
		WindowEnd:   day,
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 4)
	assert.Zero(t, result.Skipped)

	assert.Equal(t, day, result.Records[0].BucketStart)
	assert.Equal(t, day.Add(time.Hour), result.Records[1].BucketStart)
	assert.Equal(t, day.Add(12*time.Hour), result.Records[2].BucketStart)
	assert.Equal(t, day.Add(23*time.Hour), result.Records[3].BucketStart)
	assert.Equal(t, UnitGallons, result.Records[0].Unit)
}

func TestParseHourlyFullTimestampFormat(t *testing.T) {
	doc := "Date\tUsage\n06/01/2025 13:00:00\t12.5\n"

	result, err := Parse(strings.NewReader(doc), Options{Resolution: statisticsdomain.ResolutionHourly})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), result.Records[0].BucketStart)
	assert.Equal(t, 12.5, result.Records[0].Value)
}

func TestParseDailyShortFormatUsesWindowYear(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	doc := "Date\tUsage (Gallons)\n06/01\t120\n06/02\t98.5\n"

	result, err := Parse(strings.NewReader(doc), Options{
		Resolution:  statisticsdomain.ResolutionDaily,
		WindowStart: start,
		WindowEnd:   start.AddDate(0, 0, 7),
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, start, result.Records[0].BucketStart)
	assert.Equal(t, start.AddDate(0, 0, 1), result.Records[1].BucketStart)
}

func TestParseDailyYearBoundary(t *testing.T) {
	t.Run("december window reaching into january", func(t *testing.T) {
		start := time.Date(2025, 12, 28, 0, 0, 0, 0, time.UTC)
		doc := "Date\tUsage\n12/30\t50\n01/02\t40\n"

		result, err := Parse(strings.NewReader(doc), Options{
			Resolution:  statisticsdomain.ResolutionDaily,
			WindowStart: start,
			WindowEnd:   start.AddDate(0, 0, 7),
		})
		require.NoError(t, err)
		require.Len(t, result.Records, 2)
		assert.Equal(t, time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC), result.Records[0].BucketStart)
		assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), result.Records[1].BucketStart)
	})

	t.Run("january window reaching back into december", func(t *testing.T) {
		start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		doc := "Date\tUsage\n12/30\t50\n"

		result, err := Parse(strings.NewReader(doc), Options{
			Resolution:  statisticsdomain.ResolutionDaily,
			WindowStart: start.AddDate(0, 0, -5),
			WindowEnd:   time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		require.Len(t, result.Records, 1)
		assert.Equal(t, time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC), result.Records[0].BucketStart)
	})
}

func TestParseMonthlyFormats(t *testing.T) {
	doc := "Month\tBilled Usage\n12/2023\t3400\nJan 24\t2800\n"

	result, err := Parse(strings.NewReader(doc), Options{Resolution: statisticsdomain.ResolutionMonthly})
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), result.Records[0].BucketStart)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), result.Records[1].BucketStart)
}

func TestParseSkipsBadRowsAndCounts(t *testing.T) {
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	doc := "Hour\tUsage (Gallons)\n" +
		"12 AM\t10.5\n" +
		"garbage line without tabs\n" +
		"25 AM\t3.0\n" +
		"1 AM\tnot-a-number\n" +
		"2 AM\t-4.0\n" +
		"3 AM\t7.0\n"

	result, err := Parse(strings.NewReader(doc), Options{
		Resolution:  statisticsdomain.ResolutionHourly,
		WindowStart: day,
		WindowEnd:   day,
	})
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)
	assert.Equal(t, 4, result.Skipped)
}

func TestParseCollectsUnavailableSlots(t *testing.T) {
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	doc := "Hour\tUsage (Gallons)\n" +
		"12 AM\t10.5\n" +
		"1 AM\t-\n" +
		"2 AM\tN/A\n" +
		"3 AM\t7.0\n"

	result, err := Parse(strings.NewReader(doc), Options{
		Resolution:  statisticsdomain.ResolutionHourly,
		WindowStart: day,
		WindowEnd:   day,
	})
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)
	assert.Zero(t, result.Skipped)
	require.Len(t, result.Unavailable, 2)
	assert.Equal(t, day.Add(time.Hour), result.Unavailable[0])
	assert.Equal(t, day.Add(2*time.Hour), result.Unavailable[1])
}

func TestParseConvertsCCF(t *testing.T) {
	doc := "Date\tUsage (CCF)\n06/01/2025\t2\n"

	result, err := Parse(strings.NewReader(doc), Options{Resolution: statisticsdomain.ResolutionDaily})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.InDelta(t, 1496.104, result.Records[0].Value, 0.001)
	assert.Equal(t, UnitGallons, result.Records[0].Unit)
}

func TestParseRejectsMisalignedTimestamps(t *testing.T) {
	doc := "Date\tUsage\n06/01/2025 13:30:00\t5.0\n06/01/2025 14:00:00\t6.0\n"

	result, err := Parse(strings.NewReader(doc), Options{Resolution: statisticsdomain.ResolutionHourly})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC), result.Records[0].BucketStart)
}

func TestParseSortsAscending(t *testing.T) {
	doc := "Date\tUsage\n06/03/2025\t3\n06/01/2025\t1\n06/02/2025\t2\n"

	result, err := Parse(strings.NewReader(doc), Options{Resolution: statisticsdomain.ResolutionDaily})
	require.NoError(t, err)
	require.Len(t, result.Records, 3)
	for i := 1; i < len(result.Records); i++ {
		assert.True(t, result.Records[i-1].BucketStart.Before(result.Records[i].BucketStart))
	}
}

func TestParseHandlesCRLFAndBlankLines(t *testing.T) {
	doc := "Date\tUsage\r\n\r\n06/01/2025\t12\r\n"

	result, err := Parse(strings.NewReader(doc), Options{Resolution: statisticsdomain.ResolutionDaily})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, float64(12), result.Records[0].Value)
}

func TestParseStructureMismatch(t *testing.T) {
	cases := map[string]string{
		"empty document":       "",
		"only blank lines":     "\n\n\n",
		"header without tabs":  "An error occurred. Please log in again.\n",
		"html instead of data": "<html><body>Session expired</body></html>\n",
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc), Options{Resolution: statisticsdomain.ResolutionDaily})
			assert.ErrorIs(t, err, ErrStructureMismatch)
		})
	}
}

func TestParseHeaderOnlyDocumentIsEmpty(t *testing.T) {
	result, err := Parse(strings.NewReader("Date\tUsage\n"), Options{Resolution: statisticsdomain.ResolutionDaily})
	require.NoError(t, err)
	assert.Empty(t, result.Records)
	assert.Zero(t, result.Skipped)
}
