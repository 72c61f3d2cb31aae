// Package cache stores definitive source answers keyed by (source,
// normalized query) so repeat lookups skip the network.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// DefaultTTL is how long an answer stays valid.
const DefaultTTL = 720 * time.Hour

// Cache is a lookup cache. Only definitive answers (hits and clean misses)
// are ever written; errors are the caller's to keep out.
type Cache interface {
	Get(ctx context.Context, source, query string) (*model.LookupResult, bool, error)
	Set(ctx context.Context, source, query string, res *model.LookupResult) error
}

// Normalize canonicalizes a query: NFKC, case folded, whitespace collapsed.
func Normalize(query string) string {
	s := norm.NFKC.String(query)
	s = cases.Fold().String(s) // a Caser is stateful; one per call
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// Key is the content address of a (source, query) pair.
func Key(source, query string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + Normalize(query)))
	return hex.EncodeToString(sum[:])
}

func encode(res *model.LookupResult) ([]byte, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return nil, eris.Wrap(err, "cache: encode result")
	}
	return b, nil
}

func decode(b []byte) (*model.LookupResult, error) {
	var res model.LookupResult
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, eris.Wrap(err, "cache: decode result")
	}
	return &res, nil
}
