package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// AccountDelta is the change of one account kind between two snapshots.
type AccountDelta struct {
	AccountID    AccountID
	Kind         ResourceKind
	ChargesAdded float64
	CreditsAdded float64
	Remaining    float64
}

// PeriodDeltas compares two snapshots. Accounts absent from the earlier snapshot
// count from zero; accounts absent from the later one are ignored.
func PeriodDeltas(from []Account, to []Account) []AccountDelta {
	earlier := make(map[AccountID]Account, len(from))
	for _, account := range from {
		earlier[account.ID] = account
	}
	var deltas []AccountDelta
	for _, account := range to {
		previous := earlier[account.ID]
		for _, kind := range account.sortedKinds() {
			current := account.Kinds[kind]
			before := previous.Kinds[kind]
			deltas = append(deltas, AccountDelta{
				AccountID:    account.ID,
				Kind:         kind,
				ChargesAdded: subtract(current.Charges, before.Charges),
				CreditsAdded: subtract(current.Credits, before.Credits),
				Remaining:    current.Remaining(),
			})
		}
	}
	sort.SliceStable(deltas, func(left, right int) bool {
		if deltas[left].AccountID != deltas[right].AccountID {
			return deltas[left].AccountID.String() < deltas[right].AccountID.String()
		}
		return deltas[left].Kind < deltas[right].Kind
	})
	return deltas
}

func subtract(minuend float64, subtrahend float64) float64 {
	return decimal.NewFromFloat(minuend).Sub(decimal.NewFromFloat(subtrahend)).InexactFloat64()
}
