package upload

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// DefaultStatsEndpoint is the stats aggregator upload URL.
const DefaultStatsEndpoint = "https://gw2wingman.nevermindcreations.de/uploadEVTC"

// StatsClient uploads logs to the stats aggregator.
type StatsClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewStatsClient creates a stats uploader. A nil client gets the default timeouts.
func NewStatsClient(endpoint string, client *http.Client, logger *slog.Logger) *StatsClient {
	if endpoint == "" {
		endpoint = DefaultStatsEndpoint
	}
	if client == nil {
		client = NewHTTPClient(DefaultReadTimeout, DefaultWriteTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsClient{endpoint: endpoint, client: client, logger: logger.With("component", "stats")}
}

// Upload posts account, filesize, triggerID and the log file.
func (c *StatsClient) Upload(ctx context.Context, req types.StatsRequest) types.HTTPOutcome {
	f, size, err := openLog(req.Path)
	if err != nil {
		return types.HTTPOutcome{Err: err}
	}
	fields := []field{
		{"account", req.Account},
		{"filesize", strconv.FormatInt(size, 10)},
		{"triggerID", strconv.FormatUint(uint64(req.Category), 10)},
	}
	c.logger.Info("uploading log", "path", req.Path, "account", req.Account, "trigger", req.Category)

	out := postMultipart(ctx, c.client, c.endpoint, fields, f, "", c.logger)
	if out.Err != nil {
		c.logger.Warn("upload failed", "path", req.Path, "error", out.Err)
		return out
	}
	c.logger.Info("upload finished", "path", req.Path, "status", out.StatusCode)
	return out
}
