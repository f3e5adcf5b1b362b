package bls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	defaultBaseURL         = "https://api.bls.gov/"
	defaultDataPath        = "publicAPI/v2/timeseries/data/"
	defaultSeriesPath      = "publicAPI/v2/surveys/{survey}/series"
	defaultMaxSeries       = 50
	defaultTimeoutSeconds  = 30
	defaultRateLimitPerSec = 2
	defaultRateLimitBurst  = 2
	defaultMaxRetries      = 2
	defaultUserAgent       = "statpulse/0.1"
)

type Config struct {
	BaseURL         string
	DataPath        string
	SeriesPath      string
	APIKey          string
	MaxSeries       int
	Timeout         time.Duration
	UserAgent       string
	RateLimitPerSec int
	RateLimitBurst  int
	MaxRetries      int
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
	if strings.TrimSpace(cfg.DataPath) == "" {
		cfg.DataPath = defaultDataPath
	}
	if strings.TrimSpace(cfg.SeriesPath) == "" {
		cfg.SeriesPath = defaultSeriesPath
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
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	return &Provider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: providers.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
	}, nil
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:         getenv("BLS_BASE_URL", defaultBaseURL),
		DataPath:        getenv("BLS_DATA_PATH", defaultDataPath),
		SeriesPath:      getenv("BLS_SERIES_PATH", defaultSeriesPath),
		APIKey:          strings.TrimSpace(os.Getenv("BLS_API_KEY")),
		MaxSeries:       getenvInt("BLS_MAX_SERIES", defaultMaxSeries),
		Timeout:         time.Duration(getenvInt("BLS_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second,
		UserAgent:       getenv("BLS_USER_AGENT", defaultUserAgent),
		RateLimitPerSec: getenvInt("BLS_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec),
		RateLimitBurst:  getenvInt("BLS_RATE_LIMIT_BURST", defaultRateLimitBurst),
		MaxRetries:      getenvInt("BLS_MAX_RETRIES", defaultMaxRetries),
	}
}

func (p *Provider) Name() string {
	return "bls"
}

func (p *Provider) MaxBatchSize() int {
	return p.config.MaxSeries
}

type dataRequest struct {
	SeriesID        []string `json:"seriesid"`
	StartYear       string   `json:"startyear"`
	EndYear         string   `json:"endyear"`
	RegistrationKey string   `json:"registrationkey,omitempty"`
	Catalog         bool     `json:"catalog"`
	AnnualAverage   bool     `json:"annualaverage"`
}

type dataResponse struct {
	Status  string   `json:"status"`
	Message []string `json:"message"`
	Results *struct {
		Series []struct {
			SeriesID string `json:"seriesID"`
			Data     []struct {
				Year      string `json:"year"`
				Period    string `json:"period"`
				Value     string `json:"value"`
				Footnotes []struct {
					Code string `json:"code"`
					Text string `json:"text"`
				} `json:"footnotes"`
			} `json:"data"`
		} `json:"series"`
	} `json:"Results"`
}

type seriesResponse struct {
	Status  string `json:"status"`
	Results *struct {
		Series []struct {
			SeriesID string `json:"seriesID"`
			Title    string `json:"seriesTitle"`
			Active   *bool  `json:"active"`
		} `json:"series"`
	} `json:"Results"`
}

func (p *Provider) FetchBatch(ctx context.Context, req providers.BatchRequest) ([]model.Observation, error) {
	if len(req.SeriesIDs) == 0 {
		return nil, fmt.Errorf("bls: empty batch")
	}
	if len(req.SeriesIDs) > p.config.MaxSeries {
		return nil, fmt.Errorf("bls: batch of %d exceeds limit %d", len(req.SeriesIDs), p.config.MaxSeries)
	}

	payload := dataRequest{
		SeriesID:  req.SeriesIDs,
		StartYear: strconv.Itoa(req.StartYear),
		EndYear:   strconv.Itoa(req.EndYear),
	}
	payload.RegistrationKey = p.apiKey(req.APIKey)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	raw, err := p.doRequest(ctx, http.MethodPost, p.endpoint(p.config.DataPath, ""), body, req.UserAgent)
	if err != nil {
		return nil, err
	}

	var decoded dataResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}
	if decoded.Status != "REQUEST_SUCCEEDED" {
		if isQuotaMessage(decoded.Message) {
			return nil, fmt.Errorf("%w: %s", providers.ErrQuotaExceeded, strings.Join(decoded.Message, "; "))
		}
		return nil, fmt.Errorf("bls: request not processed (%s): %s", decoded.Status, strings.Join(decoded.Message, "; "))
	}
	if decoded.Results == nil {
		return nil, fmt.Errorf("%w: missing Results", providers.ErrMalformedResponse)
	}

	observations := make([]model.Observation, 0)
	for _, series := range decoded.Results.Series {
		for _, point := range series.Data {
			year, err := strconv.Atoi(strings.TrimSpace(point.Year))
			if err != nil {
				return nil, fmt.Errorf("%w: bad year %q", providers.ErrMalformedResponse, point.Year)
			}
			notes := make([]string, 0, len(point.Footnotes))
			for _, note := range point.Footnotes {
				if strings.TrimSpace(note.Code) == "" && strings.TrimSpace(note.Text) == "" {
					continue
				}
				notes = append(notes, strings.TrimSpace(note.Code+" "+note.Text))
			}
			observations = append(observations, model.Observation{
				SurveyCode: req.SurveyCode,
				SeriesID:   series.SeriesID,
				Year:       year,
				Period:     strings.TrimSpace(point.Period),
				Value:      parseValue(point.Value),
				Footnotes:  strings.Join(notes, "; "),
			})
		}
	}
	return observations, nil
}

func (p *Provider) ListSeries(ctx context.Context, surveyCode string) ([]model.Series, error) {
	surveyCode = strings.TrimSpace(surveyCode)
	if surveyCode == "" {
		return nil, fmt.Errorf("bls: survey code is required")
	}

	raw, err := p.doRequest(ctx, http.MethodGet, p.endpoint(p.config.SeriesPath, surveyCode), nil, "")
	if err != nil {
		return nil, err
	}

	var decoded seriesResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}
	if decoded.Results == nil {
		return nil, fmt.Errorf("%w: missing Results", providers.ErrMalformedResponse)
	}

	series := make([]model.Series, 0, len(decoded.Results.Series))
	for _, entry := range decoded.Results.Series {
		id := strings.TrimSpace(entry.SeriesID)
		if id == "" {
			continue
		}
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		series = append(series, model.Series{
			SurveyCode: surveyCode,
			SeriesID:   id,
			Title:      strings.TrimSpace(entry.Title),
			IsActive:   active,
		})
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: no series parsed", providers.ErrMalformedResponse)
	}
	return series, nil
}

func (p *Provider) endpoint(path, surveyCode string) string {
	path = strings.TrimLeft(path, "/")
	if surveyCode != "" {
		path = strings.ReplaceAll(path, "{survey}", url.PathEscape(surveyCode))
	}
	return strings.TrimRight(p.config.BaseURL, "/") + "/" + path
}

func (p *Provider) apiKey(override string) string {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override)
	}
	return p.config.APIKey
}

func (p *Provider) doRequest(ctx context.Context, method, endpoint string, body []byte, userAgent string) ([]byte, error) {
	attempts := p.config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		raw, status, retryAfter, err := p.doRequestOnce(ctx, method, endpoint, body, userAgent)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if errors.Is(err, providers.ErrQuotaExceeded) || ctx.Err() != nil {
			return nil, err
		}
		if status == http.StatusTooManyRequests && attempt < attempts-1 {
			if retryAfter <= 0 {
				retryAfter = time.Second
			}
			if err := sleepWithContext(ctx, retryAfter); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (p *Provider) doRequestOnce(ctx context.Context, method, endpoint string, body []byte, userAgent string) ([]byte, int, time.Duration, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, 0, 0, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	ua := p.config.UserAgent
	if strings.TrimSpace(userAgent) != "" {
		ua = userAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("bls: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("bls: reading response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter := parseRetryAfter(resp)
		if resp.StatusCode == http.StatusTooManyRequests && looksLikeQuota(raw) {
			return nil, resp.StatusCode, retryAfter, fmt.Errorf("%w: %s", providers.ErrQuotaExceeded, strings.TrimSpace(string(raw)))
		}
		return nil, resp.StatusCode, retryAfter, fmt.Errorf("bls: request failed (%s): %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	return raw, resp.StatusCode, 0, nil
}

func isQuotaMessage(messages []string) bool {
	for _, message := range messages {
		lowered := strings.ToLower(message)
		if strings.Contains(lowered, "threshold") || strings.Contains(lowered, "quota") {
			return true
		}
	}
	return false
}

func looksLikeQuota(body []byte) bool {
	lowered := strings.ToLower(string(body))
	return strings.Contains(lowered, "threshold") || strings.Contains(lowered, "quota")
}

func parseRetryAfter(resp *http.Response) time.Duration {
	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := time.Parse(http.TimeFormat, value); err == nil {
		wait := time.Until(when)
		if wait > 0 {
			return wait
		}
	}
	return 0
}

// parseValue maps the agency's missing-data markers to nil.
func parseValue(raw string) *float64 {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "-" || strings.EqualFold(trimmed, "N/A") {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", ""), 64)
	if err != nil {
		return nil
	}
	return &parsed
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
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
