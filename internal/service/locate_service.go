package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/logger"
	"github.com/evyataryagoni/ipgeo/internal/metrics"
	"github.com/evyataryagoni/ipgeo/internal/models"
	"github.com/evyataryagoni/ipgeo/internal/store"
	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrInvalidIP is returned when the input is not an IPv4 or IPv6 literal
	ErrInvalidIP = errors.New("invalid IP address format")

	// ErrNotFound is returned when no stored range contains the address
	ErrNotFound = store.ErrNotFound
)

// Options configures a LocateService
type Options struct {
	// CacheSize is the number of matched ranges kept in an LRU cache,
	// keyed by address. 0 disables the cache. Only enable it on a
	// dataset that is not being ingested into.
	CacheSize int
}

// LocateService answers "where is this IP" questions
// It sits between the commands and the store
//
// Responsibilities:
//   - Validate input (IP format)
//   - Encode the address and pick its family table
//   - Query the store (through the cache when enabled)
//   - Report defaulted attribute columns
//   - Hand back a copy the caller owns
type LocateService struct {
	store     store.Store
	validator *validator.Validate
	cache     *lru.Cache[string, *models.RangeRecord]
	metrics   *metrics.Metrics
	logger    *logger.Logger
}

// NewLocateService creates a lookup service over s
//
// Parameters:
//   - s: any implementation of the Store interface
//   - opts: cache configuration
//   - m: metrics collector (optional, can be nil)
//   - log: logger (optional, can be nil)
func NewLocateService(s store.Store, opts Options, m *metrics.Metrics, log *logger.Logger) (*LocateService, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	svc := &LocateService{
		store:     s,
		validator: validator.New(),
		metrics:   m,
		logger:    log.WithComponent("LocateService"),
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, *models.RangeRecord](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create lookup cache: %w", err)
		}
		svc.cache = cache
	}
	return svc, nil
}

// Locate returns the location of the range containing ip
//
// Flow:
//  1. Validate IP format
//  2. Encode it and select the family
//  3. Query the cache, then the store
//  4. Return a materialized copy
//
// Errors are ErrInvalidIP, ErrNotFound (test with errors.Is) or a wrapped store error.
func (s *LocateService) Locate(ctx context.Context, ip string) (*models.Location, error) {
	if err := s.validator.Var(ip, "required,ip"); err != nil {
		return nil, s.invalid(ip)
	}
	key, err := addrkey.Parse(ip)
	if err != nil {
		return nil, s.invalid(ip)
	}
	family := key.Family()
	log := s.logger.WithIP(ip).WithFamily(family)

	cacheKey := string(key)
	if s.cache != nil {
		if rec, ok := s.cache.Get(cacheKey); ok {
			s.countCache("hit")
			s.countResult("success")
			log.Debug().Msg("IP lookup served from cache")
			return models.NewLocation(ip, rec), nil
		}
		s.countCache("miss")
	}

	log.Debug().Msg("Looking up IP address")
	started := time.Now()
	rec, err := s.store.QueryContaining(ctx, family, key)
	s.observeQuery(family, started, err)

	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Msg("IP address not found")
		if s.metrics != nil {
			s.metrics.IPLookupsNotFound.Inc()
		}
		s.countResult("not_found")
		return nil, ErrNotFound
	}
	if err != nil {
		log.Error().Err(err).Msg("Store error during IP lookup")
		if s.metrics != nil {
			s.metrics.IPLookupsErrors.WithLabelValues("store_error").Inc()
		}
		s.countResult("error")
		return nil, fmt.Errorf("lookup %s: %w", ip, err)
	}

	if len(rec.Defaulted) > 0 {
		log.Warn().
			Strs("columns", rec.Defaulted).
			Str("range_start", rec.Start.String()).
			Msg("Stored attributes could not be decoded and were defaulted")
		if s.metrics != nil {
			for _, col := range rec.Defaulted {
				s.metrics.IPLookupAttributeDefaults.WithLabelValues(col).Inc()
			}
		}
	}

	if s.cache != nil {
		s.cache.Add(cacheKey, rec)
	}
	log.Debug().
		Str("city", rec.Attributes.City).
		Str("country", rec.Attributes.Country).
		Msg("IP lookup successful")
	s.countResult("success")
	return models.NewLocation(ip, rec), nil
}

// Result is the outcome of one address in LocateMany
type Result struct {
	IP       string
	Location *models.Location
	Err      error
}

// LocateMany looks up every address in order. A failed address does not
// stop the others; only context cancellation does, leaving the remaining
// results with the context error.
func (s *LocateService) LocateMany(ctx context.Context, ips []string) []Result {
	results := make([]Result, len(ips))
	for i, ip := range ips {
		results[i].IP = ip
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		results[i].Location, results[i].Err = s.Locate(ctx, ip)
	}
	return results
}

// Close cleans up resources
// This will close the underlying store (database connections, etc.)
func (s *LocateService) Close() error {
	if s.cache != nil {
		s.cache.Purge()
	}
	return s.store.Close()
}

func (s *LocateService) invalid(ip string) error {
	s.logger.Warn().Str("ip", ip).Msg("Invalid IP address format")
	if s.metrics != nil {
		s.metrics.IPLookupsErrors.WithLabelValues("validation").Inc()
	}
	s.countResult("invalid")
	return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
}

func (s *LocateService) observeQuery(family addrkey.Family, started time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	s.metrics.DatastoreQueriesTotal.WithLabelValues(family.String(), status).Inc()
	s.metrics.DatastoreQueryDuration.WithLabelValues(family.String()).Observe(time.Since(started).Seconds())
}

func (s *LocateService) countResult(result string) {
	if s.metrics != nil {
		s.metrics.IPLookupsTotal.WithLabelValues(result).Inc()
	}
}

func (s *LocateService) countCache(result string) {
	if s.metrics != nil {
		s.metrics.DatastoreCacheHits.WithLabelValues(result).Inc()
	}
}
