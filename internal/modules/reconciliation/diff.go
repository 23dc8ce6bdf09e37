package reconciliation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

// CompareBooks diffs the stored TAO values against the live ones per netuid
// and returns a check for every netuid present on either side, ordered by
// netuid.
//
// A check passes when the difference is within the absolute tolerance or
// within the relative one. Two carve-outs: a zero stored value is judged on
// the absolute tolerance alone (the relative diff is undefined), and a
// one-sided position must clear the absolute tolerance regardless of the
// relative check.
func CompareBooks(stored, live map[int]decimal.Decimal, tol Tolerances) []Check {
	netuids := make(map[int]struct{}, len(stored)+len(live))
	for n := range stored {
		netuids[n] = struct{}{}
	}
	for n := range live {
		netuids[n] = struct{}{}
	}

	checks := make([]Check, 0, len(netuids))
	for n := range netuids {
		storedVal, hasStored := stored[n]
		liveVal, hasLive := live[n]
		oneSided := ""
		if !hasStored {
			oneSided = SideLiveOnly
		} else if !hasLive {
			oneSided = SideStoredOnly
		}
		checks = append(checks, compareOne(n, storedVal, liveVal, oneSided, tol))
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Netuid < checks[j].Netuid })
	return checks
}

func compareOne(netuid int, stored, live decimal.Decimal, oneSided string, tol Tolerances) Check {
	diff := live.Sub(stored).Abs()
	check := Check{
		Netuid:    netuid,
		StoredTao: domain.RoundTao(stored),
		LiveTao:   domain.RoundTao(live),
		DiffAbs:   domain.RoundTao(diff),
		OneSided:  oneSided,
	}

	withinAbs := diff.LessThanOrEqual(tol.AbsoluteTao)
	if oneSided != "" {
		check.Passed = withinAbs
		return check
	}
	if !stored.IsPositive() {
		check.Passed = withinAbs
		return check
	}

	rel := diff.Div(stored)
	check.DiffRel = domain.RoundRatio(rel)
	check.Passed = withinAbs || rel.LessThanOrEqual(tol.Relative)
	return check
}
