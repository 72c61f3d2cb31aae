package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// Backend is the slice of the store the lookup cache needs. GetLookup
// returns found=false for missing or expired rows.
type Backend interface {
	GetLookup(ctx context.Context, key string, now time.Time) (value []byte, found bool, err error)
	SetLookup(ctx context.Context, key, source string, value []byte, expiresAt time.Time) error
}

// StoreCache keeps answers in the lookup_cache table of the main store, so
// they survive across runs.
type StoreCache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
}

// NewStoreCache creates a StoreCache. A ttl <= 0 uses DefaultTTL.
func NewStoreCache(backend Backend, ttl time.Duration) *StoreCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StoreCache{backend: backend, ttl: ttl, now: time.Now}
}

func (s *StoreCache) Get(ctx context.Context, source, query string) (*model.LookupResult, bool, error) {
	b, found, err := s.backend.GetLookup(ctx, Key(source, query), s.now())
	if err != nil {
		return nil, false, eris.Wrap(err, "cache: store get")
	}
	if !found {
		return nil, false, nil
	}
	res, err := decode(b)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (s *StoreCache) Set(ctx context.Context, source, query string, res *model.LookupResult) error {
	b, err := encode(res)
	if err != nil {
		return err
	}
	if err := s.backend.SetLookup(ctx, Key(source, query), source, b, s.now().Add(s.ttl)); err != nil {
		return eris.Wrap(err, "cache: store set")
	}
	return nil
}
