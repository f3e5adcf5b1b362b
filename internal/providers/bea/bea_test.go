package bea

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statpulse/internal/providers"
)

func newTestProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	provider, err := NewWithConfig(Config{
		BaseURL:         baseURL,
		APIKey:          "bea-key",
		RateLimitPerSec: 1000,
		RateLimitBurst:  100,
	})
	require.NoError(t, err)
	return provider
}

func TestFetchBatchParsesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		assert.Equal(t, "GetData", query.Get("method"))
		assert.Equal(t, "NIPA", query.Get("datasetname"))
		assert.Equal(t, "bea-key", query.Get("UserID"))
		assert.Equal(t, "T10101", query.Get("SeriesCode"))
		assert.Equal(t, "2024,2025", query.Get("Year"))

		_, _ = w.Write([]byte(`{
			"BEAAPI": {
				"Results": {
					"Data": [
						{"SeriesCode": "T10101", "TimePeriod": "2025Q1", "DataValue": "1,234.5", "NoteRef": "3"},
						{"SeriesCode": "T10101", "TimePeriod": "2024", "DataValue": "(NA)"},
						{"SeriesCode": "T10101", "TimePeriod": "2024M07", "DataValue": "98.7"}
					]
				}
			}
		}`))
	}))
	defer srv.Close()

	provider := newTestProvider(t, srv.URL)
	observations, err := provider.FetchBatch(context.Background(), providers.BatchRequest{
		SurveyCode: "nipa",
		SeriesIDs:  []string{"T10101"},
		StartYear:  2024,
		EndYear:    2025,
	})
	require.NoError(t, err)
	require.Len(t, observations, 3)

	assert.Equal(t, "nipa", observations[0].SurveyCode)
	assert.Equal(t, 2025, observations[0].Year)
	assert.Equal(t, "Q01", observations[0].Period)
	require.NotNil(t, observations[0].Value)
	assert.Equal(t, 1234.5, *observations[0].Value)
	assert.Equal(t, "3", observations[0].Footnotes)

	assert.Equal(t, "A01", observations[1].Period)
	assert.Nil(t, observations[1].Value)

	assert.Equal(t, "M07", observations[2].Period)
	require.NotNil(t, observations[2].Value)
	assert.Equal(t, 98.7, *observations[2].Value)
}

func TestFetchBatchSingleRowObject(t *testing.T) {
	// BEA collapses single-row results into a bare object.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"BEAAPI": {
				"Results": {
					"Data": {"SeriesCode": "T10101", "TimePeriod": "2025Q2", "DataValue": "42"}
				}
			}
		}`))
	}))
	defer srv.Close()

	provider := newTestProvider(t, srv.URL)
	observations, err := provider.FetchBatch(context.Background(), providers.BatchRequest{
		SurveyCode: "nipa",
		SeriesIDs:  []string{"T10101"},
		StartYear:  2025,
		EndYear:    2025,
	})
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, "Q02", observations[0].Period)
}

func TestFetchBatchQuotaEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"BEAAPI": {
				"Error": {
					"APIErrorCode": "40",
					"APIErrorDescription": "The API key has exceeded its request volume"
				}
			}
		}`))
	}))
	defer srv.Close()

	provider := newTestProvider(t, srv.URL)
	_, err := provider.FetchBatch(context.Background(), providers.BatchRequest{
		SeriesIDs: []string{"T10101"},
		StartYear: 2025,
		EndYear:   2025,
	})
	assert.ErrorIs(t, err, providers.ErrQuotaExceeded)
}

func TestFetchBatchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"BEAAPI": {
				"Results": {
					"Error": {"APIErrorCode": "3", "APIErrorDescription": "Invalid API key"}
				}
			}
		}`))
	}))
	defer srv.Close()

	provider := newTestProvider(t, srv.URL)
	_, err := provider.FetchBatch(context.Background(), providers.BatchRequest{
		SeriesIDs: []string{"T10101"},
		StartYear: 2025,
		EndYear:   2025,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, providers.ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestFetchBatchMissingEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected": true}`))
	}))
	defer srv.Close()

	provider := newTestProvider(t, srv.URL)
	_, err := provider.FetchBatch(context.Background(), providers.BatchRequest{
		SeriesIDs: []string{"T10101"},
		StartYear: 2025,
		EndYear:   2025,
	})
	assert.ErrorIs(t, err, providers.ErrMalformedResponse)
}

func TestListSeriesParamValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		assert.Equal(t, "GetParameterValues", query.Get("method"))
		assert.Equal(t, "SeriesCode", query.Get("ParameterName"))

		_, _ = w.Write([]byte(`{
			"BEAAPI": {
				"Results": {
					"ParamValue": [
						{"Key": "T10101", "Desc": "Percent change in real GDP"},
						{"Key": "T10102", "Desc": "Contributions to percent change"}
					]
				}
			}
		}`))
	}))
	defer srv.Close()

	provider := newTestProvider(t, srv.URL)
	series, err := provider.ListSeries(context.Background(), "nipa")
	require.NoError(t, err)

	require.Len(t, series, 2)
	assert.Equal(t, "T10101", series[0].SeriesID)
	assert.Equal(t, "Percent change in real GDP", series[0].Title)
	assert.Equal(t, "nipa", series[0].SurveyCode)
	assert.True(t, series[0].IsActive)
}

func TestSplitTimePeriod(t *testing.T) {
	cases := []struct {
		raw    string
		year   int
		period string
		ok     bool
	}{
		{"2023", 2023, "A01", true},
		{"2023Q1", 2023, "Q01", true},
		{"2023q3", 2023, "Q03", true},
		{"2023M07", 2023, "M07", true},
		{"2023M12", 2023, "M12", true},
		{"20XX", 0, "", false},
		{"2023Z9", 0, "", false},
		{"202", 0, "", false},
		{"2023Q", 0, "", false},
	}

	for _, tc := range cases {
		year, period, ok := splitTimePeriod(tc.raw)
		assert.Equal(t, tc.ok, ok, "raw %q", tc.raw)
		if tc.ok {
			assert.Equal(t, tc.year, year, "raw %q", tc.raw)
			assert.Equal(t, tc.period, period, "raw %q", tc.raw)
		}
	}
}

func TestParseDataValue(t *testing.T) {
	cases := []struct {
		raw  string
		want *float64
	}{
		{"1,234.5", floatPtr(1234.5)},
		{"-0.4", floatPtr(-0.4)},
		{"(NA)", nil},
		{"(D)", nil},
		{"...", nil},
		{"", nil},
	}

	for _, tc := range cases {
		got := parseDataValue(map[string]any{"DataValue": tc.raw})
		if tc.want == nil {
			assert.Nil(t, got, "raw %q", tc.raw)
			continue
		}
		require.NotNil(t, got, "raw %q", tc.raw)
		assert.Equal(t, *tc.want, *got, "raw %q", tc.raw)
	}
}

func floatPtr(v float64) *float64 { return &v }
