package models

import "time"

// ComputeStatus derives the reconciliation status from an attempt history,
// replaying the attempts in order.
//
// Attempts before the first non-zero observation mean the usage API has not
// caught up yet. From then on the run is pending until an attempt repeats
// the previous counts exactly and lies at least minInterval after the first
// attempt that reported them; that attempt's time is returned as the
// verification time. Any counter dropping below its highest observed value
// yields StatusWarning. So does any change after verification, since the
// verified counts were contradicted. Warning is final.
func ComputeStatus(attempts []UsageAttempt, minInterval time.Duration) (ReconciliationStatus, *time.Time) {
	status := StatusNoDataYet
	var verifiedAt *time.Time
	var peak UsageCounts
	streakStart := 0

	for i, a := range attempts {
		switch status {
		case StatusNoDataYet:
			if !a.UsageCounts.IsZero() {
				status = StatusPending
				peak = a.UsageCounts
				streakStart = i
			}
			continue
		case StatusWarning:
			continue
		}

		if a.UsageCounts.AnyBelow(peak) {
			status, verifiedAt = StatusWarning, nil
			continue
		}
		peak = maxCounts(peak, a.UsageCounts)

		if a.UsageCounts != attempts[i-1].UsageCounts {
			if status == StatusVerified {
				status, verifiedAt = StatusWarning, nil
				continue
			}
			streakStart = i
			continue
		}
		if status == StatusPending && a.Timestamp.Sub(attempts[streakStart].Timestamp) >= minInterval {
			at := a.Timestamp
			status, verifiedAt = StatusVerified, &at
		}
	}
	return status, verifiedAt
}

func maxCounts(a, b UsageCounts) UsageCounts {
	return UsageCounts{
		TokensIn:     max(a.TokensIn, b.TokensIn),
		TokensOut:    max(a.TokensOut, b.TokensOut),
		APICalls:     max(a.APICalls, b.APICalls),
		CachedTokens: max(a.CachedTokens, b.CachedTokens),
	}
}
