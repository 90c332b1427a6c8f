package logpath

import (
	"errors"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err, "LoadLocation(%q)", name)
	return loc
}

func TestEncodeGolden(t *testing.T) {
	cases := []struct {
		id       string
		endAt    time.Time
		duration time.Duration
		owner    string
		zone     string
	}{
		{"a1b2c3", time.Date(2024, 1, 15, 18, 45, 30, 0, time.UTC), 90 * time.Minute, "@Alice.Smith", "UTC"},
		{"id-2", time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC), time.Hour, "bob", "America/Sao_Paulo"},
		{"", time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC), time.Hour, "carol", "America/New_York"},
		{"x_y!z", time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC), 7507 * time.Second, "dave  o'neil", "UTC"},
		{"e1", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 500 * time.Millisecond, "erin", "Asia/Kolkata"},
	}

	var lines []string
	for _, tc := range cases {
		lines = append(lines, Encode(tc.id, tc.endAt, tc.duration, tc.owner, mustLoad(t, tc.zone)))
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "encode_paths", []byte(strings.Join(lines, "\n")+"\n"))
}

func TestRoundTrip(t *testing.T) {
	zones := []string{"UTC", "America/Sao_Paulo", "America/New_York", "Europe/London", "Asia/Kolkata", "Australia/Lord_Howe"}
	ends := []time.Time{
		time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC),
		time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC),
		time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC),
		time.Date(2024, 11, 3, 7, 30, 0, 0, time.UTC),
		time.Date(2018, 11, 4, 3, 15, 9, 0, time.UTC),
		time.Date(2019, 2, 17, 1, 59, 59, 0, time.UTC),
		time.Date(2025, 12, 31, 23, 0, 1, 0, time.UTC),
	}
	durations := []time.Duration{time.Second, 59 * time.Second, time.Hour, 3*time.Hour + 7*time.Second, 26 * time.Hour}

	for _, zone := range zones {
		loc := mustLoad(t, zone)
		for _, end := range ends {
			for _, d := range durations {
				path := Encode("7c9e6679-7425-40de-944b-e07fc1f90ae7", end, d, "alice", loc)
				got, err := Decode(path, DecodeOptions{Location: loc})
				require.NoError(t, err, path)
				assert.True(t, got.EndAt.Equal(end), "%s: EndAt = %v, want %v", path, got.EndAt.UTC(), end)
				assert.Equal(t, d, got.Duration, path)
				assert.True(t, got.StartAt.Equal(end.Add(-d)), path)
				assert.Equal(t, "alice", got.Owner)
				assert.Equal(t, "7c9e6679-7425-40de-944b-e07fc1f90ae7", got.IDHint)
				assert.False(t, got.Legacy)
			}
		}
	}
}

func TestScenarioLocalWallClock(t *testing.T) {
	loc := mustLoad(t, "America/Sao_Paulo")
	end := time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC)

	path := Encode("rec-1", end, time.Hour, "alice", loc)

	assert.Equal(t, "logs/2024-03-09.23h30m00s.60m00s.alice.rec-1.txt", path)
	assert.NotContains(t, path, "2024-03-10.02h30m00s")

	got, err := Decode(path, DecodeOptions{Location: loc})
	require.NoError(t, err)
	assert.True(t, got.EndAt.Equal(end))
	assert.True(t, got.StartAt.Equal(time.Date(2024, 3, 10, 1, 30, 0, 0, time.UTC)))
}

func TestDecodeLegacy(t *testing.T) {
	got, err := Decode("logs/2024-01-15.18h45m30s.alice.txt", DecodeOptions{DefaultDuration: 45 * time.Minute})
	require.NoError(t, err)

	assert.True(t, got.Legacy)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "", got.IDHint)
	assert.Equal(t, 45*time.Minute, got.Duration)
	assert.True(t, got.EndAt.Equal(time.Date(2024, 1, 15, 18, 45, 30, 0, time.UTC)))
}

func TestDecodeUnusableDurationFallsBack(t *testing.T) {
	tests := []string{
		"logs/2024-01-15.18h45m30s.60m75s.alice.id.txt",
		"logs/2024-01-15.18h45m30s.00m00s.alice.id.txt",
		"logs/2024-01-15.18h45m30s.1h.alice.id.txt",
	}
	for _, path := range tests {
		got, err := Decode(path, DecodeOptions{})
		require.NoError(t, err, path)
		assert.Equal(t, DefaultDuration, got.Duration, path)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"not a log", "logs/README.md"},
		{"too few tokens", "logs/2024-01-01.10h00m00s.txt"},
		{"wrong extension", "logs/2024-01-01.10h00m00s.60m00s.alice.md"},
		{"bad month", "logs/2024-13-01.10h00m00s.60m00s.alice.txt"},
		{"bad day", "logs/2024-01-00.10h00m00s.60m00s.alice.txt"},
		{"bad hour", "logs/2024-01-01.25h00m00s.60m00s.alice.txt"},
		{"bad second", "logs/2024-01-01.10h00m61s.60m00s.alice.txt"},
		{"bad date token", "logs/24-01-01.10h00m00s.60m00s.alice.txt"},
		{"bad time token", "logs/2024-01-01.10-00-00.60m00s.alice.txt"},
		{"empty owner", "logs/2024-01-01.10h00m00s.60m00s..txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.path, DecodeOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "error %v does not wrap ErrMalformed", err)
		})
	}
}

func TestZonedTimeConverges(t *testing.T) {
	days := []struct {
		zone string
		day  time.Time
	}{
		{"America/New_York", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"America/New_York", time.Date(2024, 11, 3, 0, 0, 0, 0, time.UTC)},
		{"Europe/London", time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)},
		{"Europe/London", time.Date(2024, 10, 27, 0, 0, 0, 0, time.UTC)},
		{"America/Sao_Paulo", time.Date(2018, 11, 4, 0, 0, 0, 0, time.UTC)},
		{"America/Sao_Paulo", time.Date(2019, 2, 16, 12, 0, 0, 0, time.UTC)},
		{"Australia/Lord_Howe", time.Date(2024, 4, 6, 12, 0, 0, 0, time.UTC)},
		{"Asia/Kolkata", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, d := range days {
		loc := mustLoad(t, d.zone)
		for step := 0; step < 36*4; step++ {
			instant := d.day.Add(time.Duration(step) * 15 * time.Minute).Add(7 * time.Second)
			want := PartsOf(instant, loc)

			got := PartsOf(ZonedTime(want, loc), loc)
			if got != want {
				t.Fatalf("%s: ZonedTime(%+v) reformats to %+v", d.zone, want, got)
			}
		}
	}
}

func TestSanitizeOwner(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice", "alice"},
		{"@@alice", "alice"},
		{"  Bob_Jones  ", "Bob_Jones"},
		{"carol.o'neil", "carol-o-neil"},
		{"a//b", "a-b"},
		{"", "unknown"},
		{"@", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeOwner(tt.in), "SanitizeOwner(%q)", tt.in)
	}
}

func TestDurationTokens(t *testing.T) {
	assert.Equal(t, "00m01s", FormatDuration(0))
	assert.Equal(t, "01m30s", FormatDuration(90*time.Second))
	assert.Equal(t, "125m07s", FormatDuration(125*time.Minute+7*time.Second))

	d, ok := ParseDuration("125m07s")
	assert.True(t, ok)
	assert.Equal(t, 125*time.Minute+7*time.Second, d)

	_, ok = ParseDuration("5m00s")
	assert.False(t, ok, "single digit minutes are not a duration token")
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ContentHash(""))
	assert.NotEqual(t, ContentHash("a"), ContentHash("b"))
}
