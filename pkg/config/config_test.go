package config

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationSuffixes(t *testing.T) {
	cases := map[string]time.Duration{
		"30":    30 * time.Second,
		"1.5h":  90 * time.Minute,
		"2w":    14 * 24 * time.Hour,
		"1d":    24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestParseAmountVariants(t *testing.T) {
	a, err := ParseAmount("5%")
	require.NoError(t, err)
	assert.True(t, a.IsPercent)
	assert.Equal(t, uint64(50), a.Resolve(1000))

	a, err = ParseAmount("2MiB")
	require.NoError(t, err)
	assert.Equal(t, uint64(2*1024*1024), a.Resolve(0))

	a, err = ParseAmount("2MB")
	require.NoError(t, err)
	assert.Equal(t, uint64(2*1000*1000), a.Resolve(0))

	a, err = ParseAmount("128")
	require.NoError(t, err)
	assert.Equal(t, uint64(128), a.Resolve(0))
}

func TestParseUnknownKeywordWarnsNotFails(t *testing.T) {
	logger := logrus.New()
	p, err := Parse(strings.NewReader("bogus_keyword 123\nprotection_period 5m\n"), logger)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, p.ProtectionPeriod)
}

func TestParseClampsSegmentsPerClean(t *testing.T) {
	p, err := Parse(strings.NewReader("nsegments_per_clean 100\n"), logrus.New())
	require.NoError(t, err)
	assert.Equal(t, uint32(maxSegmentsPerCleanClamp), p.NSegmentsPerClean)
}

func TestParseCommentsAndBlankLines(t *testing.T) {
	src := "# a comment\n\nclean_check_interval 2s # trailing\n"
	p, err := Parse(strings.NewReader(src), logrus.New())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, p.CleanCheckInterval)
}
