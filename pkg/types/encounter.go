package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Mode holds the difficulty flags of an encounter. Nil means unknown.
type Mode struct {
	IsCM          *bool `json:"isCm,omitempty"`
	IsLegendaryCM *bool `json:"isLegendaryCm,omitempty"`
	Emboldened    *int  `json:"emboldened,omitempty"`
}

// Format renders the mode for display. ok is false when the flags do not determine a mode.
func (m Mode) Format() (string, bool) {
	switch {
	case m.IsLegendaryCM != nil && *m.IsLegendaryCM:
		return "LCM", true
	case m.IsCM != nil && *m.IsCM:
		return "CM", true
	case m.Emboldened != nil && *m.Emboldened > 0:
		return fmt.Sprintf("Emboldened %d", *m.Emboldened), true
	case m.Emboldened != nil && *m.Emboldened == 0 &&
		m.IsCM != nil && m.IsLegendaryCM != nil:
		return "", true
	}
	return "", false
}

// Player is one squad member found in the log.
type Player struct {
	Character  string `json:"character"`
	Account    string `json:"account"`
	Profession uint32 `json:"profession"`
	EliteSpec  uint32 `json:"elite_spec"`
	Subgroup   string `json:"subgroup,omitempty"`
}

// Encounter is the Done value of the parse stage.
type Encounter struct {
	Category uint16   `json:"category"` // boss/species id, 1 is WvW
	Boss     string   `json:"boss"`
	Success  bool     `json:"success"`
	Mode     Mode     `json:"mode"`
	Players  []Player `json:"players"`
	Account  string   `json:"account"` // account of the recording player
	Revision uint8    `json:"revision"`
	BuildAt  string   `json:"build"` // arcdps build date from the header
}

// Label is the short human description used in status rows.
func (e Encounter) Label() string {
	label := e.Boss
	if mode, ok := e.Mode.Format(); ok && mode != "" {
		label += " (" + mode + ")"
	}
	if e.Success {
		label += " - kill"
	} else {
		label += " - fail"
	}
	return label
}

// ============================================================================
// Report service response
// ============================================================================

// ReportEncounter is the encounter echo returned by the report service.
type ReportEncounter struct {
	BossID        int64  `json:"bossId"`
	Success       bool   `json:"success"`
	Boss          string `json:"boss"`
	IsCM          *bool  `json:"isCm,omitempty"`
	IsLegendaryCM *bool  `json:"isLegendaryCm,omitempty"`
	Emboldened    *int   `json:"emboldened,omitempty"`
}

// Mode returns the difficulty flags carried by the echo.
func (e ReportEncounter) Mode() Mode {
	return Mode{IsCM: e.IsCM, IsLegendaryCM: e.IsLegendaryCM, Emboldened: e.Emboldened}
}

// ReportPlayer is one roster entry of the report service response.
type ReportPlayer struct {
	DisplayName   string `json:"display_name"`
	CharacterName string `json:"character_name"`
	Profession    uint32 `json:"profession"`
	EliteSpec     uint32 `json:"elite_spec"`
}

// Roster is the player list of a report. The service sends either an array or an
// object keyed by character name; both decode into a slice.
type Roster []ReportPlayer

// UnmarshalJSON accepts both roster encodings. Object entries are ordered by key.
func (r *Roster) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var seq []ReportPlayer
		if err := json.Unmarshal(data, &seq); err != nil {
			return err
		}
		*r = seq
		return nil
	}
	var byName map[string]ReportPlayer
	if err := json.Unmarshal(data, &byName); err != nil {
		return fmt.Errorf("roster: %w", err)
	}
	keys := make([]string, 0, len(byName))
	for k := range byName {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Roster, 0, len(keys))
	for _, k := range keys {
		out = append(out, byName[k])
	}
	*r = out
	return nil
}

// ReportResponse is the Done value of the report stage.
type ReportResponse struct {
	ID        string          `json:"id"`
	Permalink string          `json:"permalink"`
	UserToken string          `json:"userToken"`
	Encounter ReportEncounter `json:"encounter"`
	Players   Roster          `json:"players"`
}

// ReportError is the error body the report service sends with non-2xx statuses.
type ReportError struct {
	Error         string `json:"error"`
	RateLimited   *bool  `json:"rateLimited,omitempty"`
	RatePerMinute *int   `json:"ratePerMinute,omitempty"`
}
