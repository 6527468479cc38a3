package policy

import "github.com/ChuLiYu/evtc-relay/pkg/types"

// Eligibility holds the switches that decide whether a parsed job is uploaded.
type Eligibility struct {
	ReportEnabled    bool
	StatsEnabled     bool
	ReportExclude    map[uint16]struct{}
	StatsExclude     map[uint16]struct{}
	ReservedCategory uint16 // never sent to the stats service
}

// DefaultEligibility enables both uploads with no exclusions.
func DefaultEligibility() Eligibility {
	return Eligibility{
		ReportEnabled:    true,
		StatsEnabled:     true,
		ReservedCategory: types.ReservedWvWCategory,
	}
}

// CategorySet builds an exclusion set from a list of ids.
func CategorySet(ids []uint16) map[uint16]struct{} {
	set := make(map[uint16]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// AllowReport reports whether the encounter should be sent to the report service.
func (e Eligibility) AllowReport(enc types.Encounter) bool {
	if !e.ReportEnabled {
		return false
	}
	_, excluded := e.ReportExclude[enc.Category]
	return !excluded
}

// AllowStats reports whether the encounter should be sent to the stats service.
// An unknown recording account also rules it out since the service keys uploads by account.
func (e Eligibility) AllowStats(enc types.Encounter) bool {
	if !e.StatsEnabled || enc.Category == e.ReservedCategory || enc.Account == "" {
		return false
	}
	_, excluded := e.StatsExclude[enc.Category]
	return !excluded
}
