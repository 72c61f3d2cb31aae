package model

import "strings"

// Tier is a coarse, source-level trust ranking. Higher values outrank lower
// ones regardless of per-query confidence.
type Tier int

const (
	TierUnknown Tier = iota
	TierUnreliableUGC
	TierMarginal
	TierSecondary
	TierTopNews
)

func (t Tier) String() string {
	switch t {
	case TierUnreliableUGC:
		return "unreliable-ugc"
	case TierMarginal:
		return "marginal"
	case TierSecondary:
		return "secondary"
	case TierTopNews:
		return "top-news"
	default:
		return "unknown"
	}
}

// ParseTier accepts the String form of a tier. Unrecognized input yields
// TierUnknown and false.
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unreliable-ugc", "ugc":
		return TierUnreliableUGC, true
	case "marginal":
		return TierMarginal, true
	case "secondary":
		return TierSecondary, true
	case "top-news", "top":
		return TierTopNews, true
	case "unknown":
		return TierUnknown, true
	}
	return TierUnknown, false
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, _ := ParseTier(string(b))
	*t = parsed
	return nil
}
