package policy

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

const backoff = 30 * time.Second

const reportJSON = `{"id":"Ab12-20240501","permalink":"https://dps.report/Ab12-20240501","userToken":"tok123",
	"encounter":{"bossId":15438,"success":true,"boss":"Vale Guardian"},"players":[]}`

// ============================================================================
// Report classification
// ============================================================================

func TestClassifyReport(t *testing.T) {
	tests := []struct {
		name     string
		out      types.HTTPOutcome
		wantKind Kind
		wantErr  error
	}{
		{"transport error", types.HTTPOutcome{Err: errors.New("dial tcp: refused")}, KindTransient, ErrTransport},
		{"unreadable log", types.HTTPOutcome{Err: fmt.Errorf("%w: open a.zevtc", types.ErrLogUnreadable)}, KindFatal, types.ErrLogUnreadable},
		{"request timeout", types.HTTPOutcome{StatusCode: 408}, KindTransient, ErrTransient},
		{"rate limited", types.HTTPOutcome{StatusCode: 429}, KindTransient, ErrTransient},
		{"server error", types.HTTPOutcome{StatusCode: 500}, KindTransient, ErrTransient},
		{"bad gateway", types.HTTPOutcome{StatusCode: 502}, KindTransient, ErrTransient},
		{"too short json", types.HTTPOutcome{StatusCode: 403, Body: []byte(`{"error":"Encounter is too short for a useful report"}`)}, KindFatal, ErrPermanentRejection},
		{"too short text", types.HTTPOutcome{StatusCode: 403, Body: []byte("encounter too short")}, KindFatal, ErrPermanentRejection},
		{"identical", types.HTTPOutcome{StatusCode: 403, Body: []byte(`{"error":"An identical file was uploaded recently"}`)}, KindFatal, ErrPermanentRejection},
		{"ei failure", types.HTTPOutcome{StatusCode: 403, Body: []byte(`{"error":"EI Failure: bad log"}`)}, KindFatal, ErrPermanentRejection},
		{"generic forbidden", types.HTTPOutcome{StatusCode: 403, Body: []byte(`{"error":"Forbidden"}`)}, KindTransient, ErrTransient},
		{"forbidden html", types.HTTPOutcome{StatusCode: 403, Body: []byte("<html>nope</html>")}, KindTransient, ErrTransient},
		{"forbidden with report", types.HTTPOutcome{StatusCode: 403, Body: []byte(reportJSON)}, KindSuccess, nil},
		{"ok", types.HTTPOutcome{StatusCode: 200, Body: []byte(reportJSON)}, KindSuccess, nil},
		{"ok garbage", types.HTTPOutcome{StatusCode: 200, Body: []byte("not json")}, KindFatal, ErrUnexpectedResponse},
		{"ok empty object", types.HTTPOutcome{StatusCode: 200, Body: []byte(`{}`)}, KindFatal, ErrUnexpectedResponse},
		{"ok null", types.HTTPOutcome{StatusCode: 200, Body: []byte(`null`)}, KindFatal, ErrUnexpectedResponse},
		{"ok empty body", types.HTTPOutcome{StatusCode: 200}, KindFatal, ErrUnexpectedResponse},
		{"ok error only", types.HTTPOutcome{StatusCode: 200, Body: []byte(`{"error":"Something went wrong"}`)}, KindFatal, ErrUnexpectedResponse},
		{"ok too short", types.HTTPOutcome{StatusCode: 200, Body: []byte(`{"error":"Encounter is too short"}`)}, KindFatal, ErrPermanentRejection},
		{"ok id without permalink", types.HTTPOutcome{StatusCode: 200, Body: []byte(`{"id":"abc"}`)}, KindFatal, ErrUnexpectedResponse},
		{"not found", types.HTTPOutcome{StatusCode: 404}, KindFatal, ErrUnexpectedResponse},
		{"bad request", types.HTTPOutcome{StatusCode: http.StatusBadRequest}, KindFatal, ErrUnexpectedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ClassifyReport(tt.out, backoff)
			assert.Equal(t, tt.wantKind, d.Kind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, d.Cause, tt.wantErr)
			}
			if d.Kind == KindTransient {
				assert.Equal(t, backoff, d.Backoff)
			}
		})
	}
}

func TestClassifyReport_SuccessPayload(t *testing.T) {
	d := ClassifyReport(types.HTTPOutcome{StatusCode: 200, Body: []byte(reportJSON)}, backoff)
	require.Equal(t, KindSuccess, d.Kind)
	assert.Equal(t, "https://dps.report/Ab12-20240501", d.Value.Permalink)
	assert.Equal(t, "tok123", d.Value.UserToken)
	assert.Equal(t, "Vale Guardian", d.Value.Encounter.Boss)
}

// ============================================================================
// Stats classification
// ============================================================================

func TestClassifyStats(t *testing.T) {
	tests := []struct {
		name         string
		out          types.HTTPOutcome
		wantKind     Kind
		wantAccepted bool
		wantDup      bool
	}{
		{"accepted", types.HTTPOutcome{StatusCode: 200, Body: []byte(`{"result":true}`)}, KindSuccess, true, false},
		{"soft rejection", types.HTTPOutcome{StatusCode: 200, Body: []byte(`{"result":false}`)}, KindSuccess, false, false},
		{"duplicate", types.HTTPOutcome{StatusCode: 409}, KindSuccess, true, true},
		{"server error", types.HTTPOutcome{StatusCode: 503}, KindFatal, false, false},
		{"rate limited", types.HTTPOutcome{StatusCode: 429}, KindFatal, false, false},
		{"transport", types.HTTPOutcome{Err: errors.New("timeout")}, KindFatal, false, false},
		{"missing result", types.HTTPOutcome{StatusCode: 200, Body: []byte(`{}`)}, KindFatal, false, false},
		{"garbage", types.HTTPOutcome{StatusCode: 200, Body: []byte(`ok`)}, KindFatal, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ClassifyStats(tt.out)
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Equal(t, tt.wantAccepted, d.Value.Accepted)
			assert.Equal(t, tt.wantDup, d.Value.Duplicate)
		})
	}
}

func TestClassifyParse(t *testing.T) {
	d := ClassifyParse(types.ParseOutcome{Err: errors.New("bad magic")})
	assert.Equal(t, KindFatal, d.Kind)
	assert.ErrorIs(t, d.Cause, ErrParseFailure)
	assert.Contains(t, d.Cause.Error(), "bad magic")

	d = ClassifyParse(types.ParseOutcome{Encounter: types.Encounter{Category: 17154}})
	assert.Equal(t, KindSuccess, d.Kind)
	assert.Equal(t, uint16(17154), d.Value.Category)
}

// ============================================================================
// Retry cap and application
// ============================================================================

func TestApplyRetryCap(t *testing.T) {
	tr := Transient[int](backoff, ErrTransient)

	for retries := 0; retries < DefaultMaxReportRetries; retries++ {
		assert.Equal(t, KindTransient, ApplyRetryCap(tr, retries, DefaultMaxReportRetries).Kind)
	}

	capped := ApplyRetryCap(tr, DefaultMaxReportRetries, DefaultMaxReportRetries)
	assert.Equal(t, KindFatal, capped.Kind)
	assert.ErrorIs(t, capped.Cause, ErrRetryExhausted)
	assert.Equal(t, "retry limit reached", capped.Cause.Error())

	ok := ApplyRetryCap(Success(5), 10, DefaultMaxReportRetries)
	assert.Equal(t, KindSuccess, ok.Kind)
}

func TestApply(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var s types.Step[int]
	require.NoError(t, s.Activate())
	require.NoError(t, Apply(&s, Transient[int](backoff, ErrTransient), now))
	at, ok := s.RetryAt()
	require.True(t, ok)
	assert.Equal(t, now.Add(backoff), at)

	var f types.Step[int]
	require.NoError(t, f.Activate())
	require.NoError(t, Apply(&f, Fatal[int](ErrPermanentRejection), now))
	assert.ErrorIs(t, f.Err(), ErrPermanentRejection)

	var p types.Step[int]
	assert.ErrorIs(t, Apply(&p, Success(1), now), types.ErrInvalidTransition)
}

// ============================================================================
// Eligibility
// ============================================================================

func TestEligibility(t *testing.T) {
	e := DefaultEligibility()
	raid := types.Encounter{Category: 15438, Account: "Foo.1234"}
	wvw := types.Encounter{Category: types.ReservedWvWCategory, Account: "Foo.1234"}

	assert.True(t, e.AllowReport(raid))
	assert.True(t, e.AllowStats(raid))
	assert.True(t, e.AllowReport(wvw))
	assert.False(t, e.AllowStats(wvw), "reserved category never goes to stats")

	assert.False(t, e.AllowStats(types.Encounter{Category: 15438}), "stats needs an account")

	e.ReportExclude = CategorySet([]uint16{15438})
	assert.False(t, e.AllowReport(raid))
	assert.True(t, e.AllowStats(raid))

	e.StatsEnabled = false
	assert.False(t, e.AllowStats(raid))
}
