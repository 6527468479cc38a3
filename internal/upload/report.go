package upload

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// DefaultReportEndpoint is the public report service upload URL.
const DefaultReportEndpoint = "https://dps.report/uploadContent"

// ReportClient uploads logs to the report service.
type ReportClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewReportClient creates a report uploader. A nil client gets the default timeouts.
func NewReportClient(endpoint string, client *http.Client, logger *slog.Logger) *ReportClient {
	if endpoint == "" {
		endpoint = DefaultReportEndpoint
	}
	if client == nil {
		client = NewHTTPClient(DefaultReadTimeout, DefaultWriteTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportClient{endpoint: endpoint, client: client, logger: logger.With("component", "report")}
}

// Upload posts the log as form field "file". The token, when set, is sent as
// the userToken query parameter and is redacted from anything returned.
func (c *ReportClient) Upload(ctx context.Context, req types.ReportRequest) types.HTTPOutcome {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return types.HTTPOutcome{Err: classifyError(err, req.Token)}
	}
	q := u.Query()
	q.Set("json", "1")
	if req.Token != "" {
		q.Set("userToken", req.Token)
	}
	u.RawQuery = q.Encode()

	f, size, err := openLog(req.Path)
	if err != nil {
		return types.HTTPOutcome{Err: err}
	}
	c.logger.Info("uploading log", "path", req.Path, "bytes", size)

	out := postMultipart(ctx, c.client, u.String(), nil, f, req.Token, c.logger)
	if out.Err != nil {
		c.logger.Warn("upload failed", "path", req.Path, "error", out.Err)
		return out
	}
	c.logger.Info("upload finished", "path", req.Path, "status", out.StatusCode)
	return out
}
