package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// rePermanentRejection matches the report service's content-based rejections.
// A 403 carrying one of these will fail the same way on every retry.
var rePermanentRejection = regexp.MustCompile(
	`(?i)EI Failure|internal parser failure|` +
		`An identical file was uploaded recently|duplicate file|` +
		`Encounter (is )?too short`)

// MatchPermanentRejection reports whether an error text is a permanent rejection.
func MatchPermanentRejection(text string) bool {
	return rePermanentRejection.MatchString(text)
}

// maxBodyInError bounds how much of a response body ends up in an error message.
const maxBodyInError = 256

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodyInError {
		s = s[:maxBodyInError] + "..."
	}
	return s
}

// ClassifyParse maps a parse outcome. Every parse failure is fatal.
func ClassifyParse(out types.ParseOutcome) Disposition[types.Encounter] {
	if out.Err != nil {
		return Fatal[types.Encounter](fmt.Errorf("%w: %w", ErrParseFailure, out.Err))
	}
	return Success(out.Encounter)
}

// ClassifyReport maps a report-upload outcome.
//
//	unreadable log                  -> Fatal
//	transport error, 408, 429, 5xx  -> Transient(backoff)
//	403 with a report payload       -> Success
//	403 with a permanent rejection  -> Fatal
//	other 403                       -> Transient(backoff)
//	2xx with a report payload       -> Success
//	anything else                   -> Fatal
func ClassifyReport(out types.HTTPOutcome, backoff time.Duration) Disposition[types.ReportResponse] {
	if errors.Is(out.Err, types.ErrLogUnreadable) {
		return Fatal[types.ReportResponse](out.Err)
	}
	if out.Err != nil {
		return Transient[types.ReportResponse](backoff, fmt.Errorf("%w: %w", ErrTransport, out.Err))
	}

	code := out.StatusCode
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return Transient[types.ReportResponse](backoff,
			fmt.Errorf("%w: status %d", ErrTransient, code))

	case code == http.StatusForbidden:
		if resp, ok := decodeReport(out.Body); ok {
			return Success(resp)
		}
		text := reportErrorText(out.Body)
		if MatchPermanentRejection(text) {
			return Fatal[types.ReportResponse](
				fmt.Errorf("%w: status 403: %s", ErrPermanentRejection, text))
		}
		return Transient[types.ReportResponse](backoff,
			fmt.Errorf("%w: status 403: %s", ErrTransient, text))

	case code >= 200 && code < 300:
		if resp, ok := decodeReport(out.Body); ok {
			return Success(resp)
		}
		text := reportErrorText(out.Body)
		if MatchPermanentRejection(text) {
			return Fatal[types.ReportResponse](
				fmt.Errorf("%w: status %d: %s", ErrPermanentRejection, code, text))
		}
		return Fatal[types.ReportResponse](
			fmt.Errorf("%w: status %d: no report in body: %s", ErrUnexpectedResponse, code, text))
	}

	return Fatal[types.ReportResponse](fmt.Errorf("%w: status %d", ErrUnexpectedResponse, code))
}

// decodeReport accepts a body only if it is a complete report (it has an id
// and a permalink).
func decodeReport(body []byte) (types.ReportResponse, bool) {
	var resp types.ReportResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" || resp.Permalink == "" {
		return types.ReportResponse{}, false
	}
	return resp, true
}

// reportErrorText extracts the "error" field of a JSON error body, or the raw body otherwise.
func reportErrorText(body []byte) string {
	var e types.ReportError
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return snippet(body)
}

// statsBody is the success payload of the stats service.
type statsBody struct {
	Result *bool `json:"result"`
}

// ClassifyStats maps a stats-upload outcome. Stats failures are never retried.
//
//	409                  -> Success(accepted, duplicate)
//	2xx {"result": b}    -> Success(accepted = b)
//	everything else      -> Fatal
func ClassifyStats(out types.HTTPOutcome) Disposition[types.StatsResult] {
	if errors.Is(out.Err, types.ErrLogUnreadable) {
		return Fatal[types.StatsResult](out.Err)
	}
	if out.Err != nil {
		return Fatal[types.StatsResult](fmt.Errorf("%w: %w", ErrTransport, out.Err))
	}
	if out.StatusCode == http.StatusConflict {
		return Success(types.StatsResult{Accepted: true, Duplicate: true})
	}
	if out.StatusCode < 200 || out.StatusCode >= 300 {
		return Fatal[types.StatsResult](
			fmt.Errorf("%w: status %d: %s", ErrUnexpectedResponse, out.StatusCode, snippet(out.Body)))
	}

	var body statsBody
	dec := json.NewDecoder(bytes.NewReader(out.Body))
	if err := dec.Decode(&body); err != nil || body.Result == nil {
		return Fatal[types.StatsResult](
			fmt.Errorf("%w: decode stats result: %s", ErrUnexpectedResponse, snippet(out.Body)))
	}
	return Success(types.StatsResult{Accepted: *body.Result})
}
