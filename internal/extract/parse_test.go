package extract

import (
	"errors"
	"math"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1,200", 1200, false},
		{"1,200円", 1200, false},
		{"￥3,000", 3000, false},
		{"¥ 3,000", 3000, false},
		{"-540", -540, false},
		{"△1,000", -1000, false},
		{"▲250", -250, false},
		{"(800)", -800, false},
		{"１２，３４５", 12345, false},
		{"+15", 15, false},
		{"99.9", 99, false},
		{"", 0, true},
		{"nan", 0, true},
		{"abc", 0, true},
		{"-", 0, true},
		{"9223372036854775807", math.MaxInt64, false},
		{"-9223372036854775807", -math.MaxInt64, false},
		{"9223372036854775808", 0, true},
		{"-9223372036854775808", 0, true},
		{"△99999999999999999999", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrRowCoercion))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDate(t *testing.T) {
	want := civil.Date{Year: 2024, Month: 3, Day: 5}
	for _, in := range []string{"2024/03/05", "2024-03-05", "2024/3/5", "20240305", "2024年3月5日", "2024/03/05 12:30:00", "２０２４/０３/０５"} {
		t.Run(in, func(t *testing.T) {
			got, err := ParseDate(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	_, err := ParseDate("昨日")
	assert.True(t, errors.Is(err, ErrRowCoercion))
	_, err = ParseDate("2024/02/30")
	assert.Error(t, err)
}

func TestFilenameDate(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		want   civil.Date
		wantOK bool
	}{
		{"plain", "holdings_20240315.csv", civil.Date{Year: 2024, Month: 3, Day: 15}, true},
		{"directory ignored", "/tmp/20230101/assets.csv", civil.Date{}, false},
		{"longer run skipped", "acct123456789_20240101.csv", civil.Date{Year: 2024, Month: 1, Day: 1}, true},
		{"no digits", "assets.csv", civil.Date{}, false},
		{"invalid date", "assets_20241399.csv", civil.Date{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FilenameDate(tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
