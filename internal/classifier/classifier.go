// Package classifier turns raw balance-delta transaction payloads into
// canonical Trade records. It is a pure function: no I/O, no shared
// state, no allocation proportional to anything but the payload itself.
package classifier

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"copytrade-broker/pkg/types"
)

// mintDelta is the signed net change an account experienced in one mint.
type mintDelta struct {
	mint  string
	delta decimal.Decimal
}

// Classify converts one transaction into a Trade attributed to kolWallet,
// or reports ok=false when the transaction is not a classifiable swap.
// targetUser, if non-empty, overrides the "first account with non-zero
// change" selection rule.
func Classify(tx types.Transaction, kolWallet, targetUser string) (types.Trade, bool) {
	byAccount := buildDeltaMap(tx)

	user := targetUser
	if user == "" {
		user = firstNonZeroAccount(tx, byAccount)
	}
	if user == "" {
		return types.Trade{}, false
	}

	deltas, ok := byAccount[user]
	if !ok {
		return types.Trade{}, false
	}

	nativeDelta := deltas[types.NativeWrapMint]
	nonNative := make([]mintDelta, 0, 1)
	for mint, d := range deltas {
		if mint == types.NativeWrapMint {
			continue
		}
		nonNative = append(nonNative, mintDelta{mint: mint, delta: d})
	}

	if len(nonNative) != 1 {
		return types.Trade{}, false
	}
	if nativeDelta.IsZero() || nonNative[0].delta.IsZero() {
		return types.Trade{}, false
	}

	tokenDelta := nonNative[0]

	var side types.Side
	switch {
	case nativeDelta.IsNegative() && tokenDelta.delta.IsPositive():
		side = types.Buy
	case tokenDelta.delta.IsNegative() && nativeDelta.IsPositive():
		side = types.Sell
	default:
		return types.Trade{}, false
	}

	trade := types.Trade{
		ID:          uuid.NewString(),
		KOLWallet:   kolWallet,
		Signature:   tx.Signature,
		EventTime:   time.Unix(tx.Timestamp, 0).UTC(),
		Side:        side,
		TokenMint:   tokenDelta.mint,
		QuoteMint:   types.NativeWrapMint,
		TokenAmount: tokenDelta.delta.Abs(),
		QuoteAmount: nativeDelta.Abs(),
		DEXProgram:  inferDEXProgram(tx),
	}
	if tx.Slot != 0 {
		slot := tx.Slot
		trade.Slot = &slot
	}
	if tx.Fee != 0 {
		fee := decimalFromMinor(tx.Fee, types.NativeDecimals)
		trade.Fee = &fee
	}
	return trade, true
}

// buildDeltaMap maps account -> mint -> signed net change, folding native
// deltas in under the canonical native-wrap mint for that account.
func buildDeltaMap(tx types.Transaction) map[string]map[string]decimal.Decimal {
	out := make(map[string]map[string]decimal.Decimal, len(tx.AccountData))

	for _, acc := range tx.AccountData {
		mints := out[acc.Account]
		if mints == nil {
			mints = make(map[string]decimal.Decimal)
			out[acc.Account] = mints
		}

		if acc.NativeBalanceChange != 0 {
			mints[types.NativeWrapMint] = mints[types.NativeWrapMint].Add(
				decimalFromMinor(acc.NativeBalanceChange, types.NativeDecimals))
		}

		for _, tbc := range acc.TokenBalanceChanges {
			m := out[tbc.UserAccount]
			if m == nil {
				m = make(map[string]decimal.Decimal)
				out[tbc.UserAccount] = m
			}
			m[tbc.Mint] = m[tbc.Mint].Add(parseRawAmount(tbc.RawTokenAmount))
		}
	}

	return out
}

// firstNonZeroAccount walks tx.AccountData in payload order and returns
// the first account whose aggregated delta map holds a non-zero change.
func firstNonZeroAccount(tx types.Transaction, byAccount map[string]map[string]decimal.Decimal) string {
	seen := make(map[string]bool, len(tx.AccountData))
	for _, acc := range tx.AccountData {
		if seen[acc.Account] {
			continue
		}
		seen[acc.Account] = true
		for _, d := range byAccount[acc.Account] {
			if !d.IsZero() {
				return acc.Account
			}
		}
	}
	return ""
}

// parseRawAmount converts a signed decimal string scaled by decimals into
// a decimal.Decimal. Malformed strings are treated as zero, never as an
// error — the classifier must never fail on bad numeric input.
func parseRawAmount(raw types.RawTokenAmount) decimal.Decimal {
	v, err := decimal.NewFromString(raw.TokenAmount)
	if err != nil {
		return decimal.Zero
	}
	return v.Shift(int32(-raw.Decimals))
}

// decimalFromMinor converts an integer minor-unit amount (e.g. lamports)
// into a decimal scaled by the given exponent.
func decimalFromMinor(minor int64, decimals int) decimal.Decimal {
	return decimal.New(minor, 0).Shift(int32(-decimals))
}

// dexLabels maps lowercase substrings of a transaction's source/description
// to a canonical DEX-program label.
var dexLabels = map[string]string{
	"raydium":  "RAYDIUM",
	"orca":     "ORCA",
	"jupiter":  "JUPITER",
	"meteora":  "METEORA",
	"pumpfun":  "PUMP_FUN",
	"pump.fun": "PUMP_FUN",
}

// inferDEXProgram matches the payload's source/description against a
// fixed table, case-insensitively.
func inferDEXProgram(tx types.Transaction) string {
	lower := func(s string) string {
		b := []byte(s)
		for i, c := range b {
			if c >= 'A' && c <= 'Z' {
				b[i] = c + ('a' - 'A')
			}
		}
		return string(b)
	}

	haystacks := []string{lower(tx.Source), lower(tx.Description)}
	for _, h := range haystacks {
		for needle, label := range dexLabels {
			if contains(h, needle) {
				return label
			}
		}
	}
	return ""
}

func contains(haystack, needle string) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
