package model

// Flag is one data-quality condition. The set is closed: consumers depend
// on the vocabulary below and rows never carry tokens outside it.
type Flag uint16

const (
	FlagDelayedFallback Flag = 1 << iota
	FlagMissingOI
	FlagMissingPrice
	FlagMissingGreeks
	FlagSnapshotTimeout
	FlagExchangeFallback
	FlagSnapshotError
	FlagCrossedMarket
	FlagOIEnriched
	FlagExtremeIV
	FlagInvalidDelta
)

// flagTokens lists tokens in serialization order.
var flagTokens = []struct {
	flag  Flag
	token string
}{
	{FlagDelayedFallback, "delayed_fallback"},
	{FlagMissingOI, "missing_oi"},
	{FlagMissingPrice, "missing_price"},
	{FlagMissingGreeks, "missing_greeks"},
	{FlagSnapshotTimeout, "snapshot_timeout"},
	{FlagExchangeFallback, "exchange_fallback"},
	{FlagSnapshotError, "snapshot_error"},
	{FlagCrossedMarket, "crossed_market"},
	{FlagOIEnriched, "oi_enriched"},
	{FlagExtremeIV, "extreme_iv"},
	{FlagInvalidDelta, "invalid_delta"},
}

// FlagSet is a bitset over the closed flag vocabulary. Membership checks
// and de-duplication are O(1); rows serialize it as an ordered token list.
type FlagSet uint16

// Add sets a flag.
func (s *FlagSet) Add(f Flag) { *s |= FlagSet(f) }

// Remove clears a flag.
func (s *FlagSet) Remove(f Flag) { *s &^= FlagSet(f) }

// Has reports whether the flag is set.
func (s FlagSet) Has(f Flag) bool { return s&FlagSet(f) != 0 }

// Empty reports whether no flags are set.
func (s FlagSet) Empty() bool { return s == 0 }

// Tokens serializes the set as an ordered, duplicate-free token list.
func (s FlagSet) Tokens() []string {
	if s == 0 {
		return nil
	}
	out := make([]string, 0, 4)
	for _, ft := range flagTokens {
		if s.Has(ft.flag) {
			out = append(out, ft.token)
		}
	}
	return out
}

// ParseFlags builds a FlagSet from tokens, dropping anything outside the
// vocabulary. Duplicates collapse by construction.
func ParseFlags(tokens []string) FlagSet {
	var s FlagSet
	for _, tok := range tokens {
		for _, ft := range flagTokens {
			if ft.token == tok {
				s.Add(ft.flag)
				break
			}
		}
	}
	return s
}

// NormalizeFlagTokens re-serializes an arbitrary token list into the
// canonical ordered, de-duplicated form.
func NormalizeFlagTokens(tokens []string) []string {
	return ParseFlags(tokens).Tokens()
}
