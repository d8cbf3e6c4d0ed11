package fx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/mbaren/dealboard/internal/models"
)

const defaultProviderURL = "https://open.er-api.com/v6/latest"

// Approximate rates to USD for common currencies, used when the live
// provider is unavailable.
var fallbackRates = map[string]float64{
	"USD": 1.0,
	"EUR": 1.09,
	"GBP": 1.27,
	"JPY": 0.0067,
	"CHF": 1.13,
	"CAD": 0.73,
	"AUD": 0.66,
	"CNY": 0.14,
	"INR": 0.012,
	"BRL": 0.18,
	"MXN": 0.054,
	"SEK": 0.095,
	"NOK": 0.093,
	"DKK": 0.146,
	"SGD": 0.75,
	"KRW": 0.00072,
}

// Cache is the persistence the service needs: day-granular lookups and
// append-only, conflict-tolerant inserts.
type Cache interface {
	GetCachedRate(ctx context.Context, from, to string, onOrAfter time.Time) (*models.ExchangeRate, error)
	InsertRate(ctx context.Context, r models.ExchangeRate) error
}

// Service resolves currency pairs to rates: cache first, live provider next,
// static table last. It never returns an error for a missing rate.
type Service struct {
	cache       Cache
	http        *http.Client
	providerURL string
	log         *logrus.Entry
}

func NewService(cache Cache) *Service {
	return &Service{
		cache:       cache,
		http:        &http.Client{Timeout: 10 * time.Second},
		providerURL: defaultProviderURL,
		log:         logrus.WithField("component", "fx"),
	}
}

// WithProviderURL overrides the live rate provider. Used by tests.
func (s *Service) WithProviderURL(u string) *Service {
	s.providerURL = strings.TrimRight(u, "/")
	return s
}

// GetRate resolves from→to. Identical currencies short-circuit to 1.0
// without I/O. Safe for concurrent callers; a duplicate cache write for the
// same (from, to, day) is dropped by the store, not an error.
func (s *Service) GetRate(ctx context.Context, from, to string) float64 {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if to == "" {
		to = "USD"
	}
	if from == "" || from == to {
		return 1.0
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)

	if s.cache != nil {
		cached, err := s.cache.GetCachedRate(ctx, from, to, today)
		if err != nil {
			s.log.WithError(err).Warn("rate cache lookup failed")
		} else if cached != nil {
			return cached.Rate
		}
	}

	if rate, err := s.fetchLive(ctx, from, to); err == nil {
		s.persist(ctx, from, to, rate, today, "live")
		return rate
	} else {
		s.log.WithError(err).WithField("pair", from+"/"+to).Warn("live rate fetch failed, using fallback")
	}

	if rate, ok := fallbackRate(from, to); ok {
		s.persist(ctx, from, to, rate, today, "fallback")
		return rate
	}

	s.log.WithField("pair", from+"/"+to).Warn("unknown currency pair, assuming 1.0")
	return 1.0
}

func (s *Service) fetchLive(ctx context.Context, from, to string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.providerURL+"/"+from, nil)
	if err != nil {
		return 0, fmt.Errorf("creating rate request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rate provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate provider returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("reading rate response: %w", err)
	}

	value := gjson.GetBytes(body, "rates."+to)
	if !value.Exists() || value.Float() <= 0 {
		return 0, fmt.Errorf("currency %s missing from provider response", to)
	}
	return value.Float(), nil
}

func (s *Service) persist(ctx context.Context, from, to string, rate float64, day time.Time, source string) {
	if s.cache == nil {
		return
	}
	err := s.cache.InsertRate(ctx, models.ExchangeRate{
		From: from, To: to, Rate: rate, RateDate: day, Source: source,
	})
	if err != nil {
		s.log.WithError(err).Warn("rate cache write failed")
	}
}

// fallbackRate derives from→to from the static USD table.
func fallbackRate(from, to string) (float64, bool) {
	fromUSD, okFrom := fallbackRates[from]
	toUSD, okTo := fallbackRates[to]
	if !okFrom || !okTo || toUSD == 0 {
		return 0, false
	}
	return fromUSD / toUSD, true
}
