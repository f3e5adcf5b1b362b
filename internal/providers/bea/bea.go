package bea

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"statpulse/internal/model"
	"statpulse/internal/providers"
)

const (
	defaultBaseURL         = "https://apps.bea.gov/api/data/"
	defaultDataset         = "NIPA"
	defaultMaxSeries       = 50
	defaultTimeoutSeconds  = 30
	defaultRateLimitPerSec = 1
	defaultRateLimitBurst  = 1
	defaultUserAgent       = "statpulse/0.1"
)

// BEA signals throttling with its own error codes inside a 200 response.
const (
	beaErrThrottled  = "40"
	beaErrQuotaUsage = "429"
)

type Config struct {
	BaseURL         string
	Dataset         string
	APIKey          string
	MaxSeries       int
	Timeout         time.Duration
	UserAgent       string
	RateLimitPerSec int
	RateLimitBurst  int
}

type Provider struct {
	config  Config
	client  *http.Client
	limiter *providers.RateLimiter
}

func New() (*Provider, error) {
	return NewWithConfig(ConfigFromEnv())
}

func NewWithConfig(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Dataset) == "" {
		cfg.Dataset = defaultDataset
	}
	if cfg.MaxSeries <= 0 {
		cfg.MaxSeries = defaultMaxSeries
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = defaultRateLimitPerSec
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}

	return &Provider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: providers.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
	}, nil
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:         getenv("BEA_BASE_URL", defaultBaseURL),
		Dataset:         getenv("BEA_DATASET", defaultDataset),
		APIKey:          strings.TrimSpace(os.Getenv("BEA_API_KEY")),
		MaxSeries:       getenvInt("BEA_MAX_SERIES", defaultMaxSeries),
		Timeout:         time.Duration(getenvInt("BEA_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second,
		UserAgent:       getenv("BEA_USER_AGENT", defaultUserAgent),
		RateLimitPerSec: getenvInt("BEA_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec),
		RateLimitBurst:  getenvInt("BEA_RATE_LIMIT_BURST", defaultRateLimitBurst),
	}
}

func (p *Provider) Name() string {
	return "bea"
}

func (p *Provider) MaxBatchSize() int {
	return p.config.MaxSeries
}

func (p *Provider) FetchBatch(ctx context.Context, req providers.BatchRequest) ([]model.Observation, error) {
	if len(req.SeriesIDs) == 0 {
		return nil, fmt.Errorf("bea: empty batch")
	}
	if len(req.SeriesIDs) > p.config.MaxSeries {
		return nil, fmt.Errorf("bea: batch of %d exceeds limit %d", len(req.SeriesIDs), p.config.MaxSeries)
	}

	years := make([]string, 0, req.EndYear-req.StartYear+1)
	for year := req.StartYear; year <= req.EndYear; year++ {
		years = append(years, strconv.Itoa(year))
	}

	params := url.Values{}
	params.Set("method", "GetData")
	params.Set("datasetname", p.config.Dataset)
	params.Set("SeriesCode", strings.Join(req.SeriesIDs, ","))
	params.Set("Year", strings.Join(years, ","))
	params.Set("ResultFormat", "JSON")
	params.Set("UserID", p.apiKey(req.APIKey))

	raw, err := p.doRequest(ctx, params, req.UserAgent)
	if err != nil {
		return nil, err
	}

	rows, err := extractDataRows(raw)
	if err != nil {
		return nil, err
	}

	observations := make([]model.Observation, 0, len(rows))
	for _, row := range rows {
		seriesID, ok := getString(row, "SeriesCode", "seriesCode")
		if !ok {
			continue
		}
		periodRaw, ok := getString(row, "TimePeriod", "timePeriod", "Period")
		if !ok {
			continue
		}
		year, period, ok := splitTimePeriod(periodRaw)
		if !ok {
			continue
		}
		notes, _ := getString(row, "NoteRef", "noteRef")
		observations = append(observations, model.Observation{
			SurveyCode: req.SurveyCode,
			SeriesID:   seriesID,
			Year:       year,
			Period:     period,
			Value:      parseDataValue(row),
			Footnotes:  notes,
		})
	}
	return observations, nil
}

func (p *Provider) ListSeries(ctx context.Context, surveyCode string) ([]model.Series, error) {
	params := url.Values{}
	params.Set("method", "GetParameterValues")
	params.Set("datasetname", p.config.Dataset)
	params.Set("ParameterName", "SeriesCode")
	params.Set("ResultFormat", "JSON")
	params.Set("UserID", p.config.APIKey)

	raw, err := p.doRequest(ctx, params, "")
	if err != nil {
		return nil, err
	}

	rows, err := extractParamRows(raw)
	if err != nil {
		return nil, err
	}

	series := make([]model.Series, 0, len(rows))
	for _, row := range rows {
		id, ok := getString(row, "Key", "key", "SeriesCode")
		if !ok {
			continue
		}
		title, _ := getString(row, "Desc", "desc", "Description")
		series = append(series, model.Series{
			SurveyCode: surveyCode,
			SeriesID:   id,
			Title:      title,
			IsActive:   true,
		})
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: no series parsed", providers.ErrMalformedResponse)
	}
	return series, nil
}

func (p *Provider) apiKey(override string) string {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override)
	}
	return p.config.APIKey
}

func (p *Provider) doRequest(ctx context.Context, params url.Values, userAgent string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	ua := p.config.UserAgent
	if strings.TrimSpace(userAgent) != "" {
		ua = userAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bea: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bea: reading response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", providers.ErrQuotaExceeded, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("bea: request failed (%s): %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	if err := checkAPIError(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// checkAPIError surfaces the error envelope BEA embeds in 200 responses.
func checkAPIError(raw []byte) error {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}
	api, ok := payload["BEAAPI"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: missing BEAAPI envelope", providers.ErrMalformedResponse)
	}

	errBlock, ok := api["Error"].(map[string]any)
	if !ok {
		if results, ok := api["Results"].(map[string]any); ok {
			errBlock, ok = results["Error"].(map[string]any)
			if !ok {
				return nil
			}
		} else {
			return nil
		}
	}

	code, _ := getString(errBlock, "APIErrorCode", "ErrorCode")
	description, _ := getString(errBlock, "APIErrorDescription", "ErrorDetail", "Description")
	if code == beaErrThrottled || code == beaErrQuotaUsage || strings.Contains(strings.ToLower(description), "quota") {
		return fmt.Errorf("%w: %s", providers.ErrQuotaExceeded, description)
	}
	return fmt.Errorf("bea: api error %s: %s", code, description)
}

func extractDataRows(raw []byte) ([]map[string]any, error) {
	results, err := extractResults(raw)
	if err != nil {
		return nil, err
	}
	data, ok := results["Data"]
	if !ok {
		return nil, fmt.Errorf("%w: missing Data", providers.ErrMalformedResponse)
	}
	return toRowList(data)
}

func extractParamRows(raw []byte) ([]map[string]any, error) {
	results, err := extractResults(raw)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"ParamValue", "ParameterValue", "Data"} {
		if value, ok := results[key]; ok {
			return toRowList(value)
		}
	}
	return nil, fmt.Errorf("%w: missing parameter values", providers.ErrMalformedResponse)
}

func extractResults(raw []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}
	api, ok := payload["BEAAPI"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing BEAAPI envelope", providers.ErrMalformedResponse)
	}
	results, ok := api["Results"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing Results", providers.ErrMalformedResponse)
	}
	return results, nil
}

func toRowList(value any) ([]map[string]any, error) {
	switch typed := value.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(typed))
		for _, item := range typed {
			if row, ok := item.(map[string]any); ok {
				rows = append(rows, row)
			}
		}
		return rows, nil
	case map[string]any:
		return []map[string]any{typed}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected row container", providers.ErrMalformedResponse)
	}
}

// splitTimePeriod splits BEA's composite period ("2023", "2023Q1", "2023M07")
// into a year and a sub-period code.
func splitTimePeriod(raw string) (int, string, bool) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if len(trimmed) < 4 {
		return 0, "", false
	}
	year, err := strconv.Atoi(trimmed[:4])
	if err != nil {
		return 0, "", false
	}
	rest := trimmed[4:]
	if rest == "" {
		return year, "A01", true
	}
	if len(rest) >= 2 && (rest[0] == 'Q' || rest[0] == 'M') {
		sub, err := strconv.Atoi(rest[1:])
		if err != nil {
			return 0, "", false
		}
		return year, fmt.Sprintf("%c%02d", rest[0], sub), true
	}
	return 0, "", false
}

func parseDataValue(row map[string]any) *float64 {
	raw, ok := getString(row, "DataValue", "dataValue", "Value")
	if !ok {
		return nil
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "(NA)" || trimmed == "(D)" || trimmed == "..." {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", ""), 64)
	if err != nil {
		return nil
	}
	return &parsed
}

func getString(row map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := row[key]; ok {
			switch typed := value.(type) {
			case string:
				trimmed := strings.TrimSpace(typed)
				if trimmed == "" {
					return "", false
				}
				return trimmed, true
			case json.Number:
				return typed.String(), true
			case float64:
				return strconv.FormatFloat(typed, 'f', -1, 64), true
			}
		}
	}
	for rowKey, value := range row {
		for _, key := range keys {
			if strings.EqualFold(rowKey, key) {
				if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
					return strings.TrimSpace(text), true
				}
			}
		}
	}
	return "", false
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

var _ providers.Provider = (*Provider)(nil)
