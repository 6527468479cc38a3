// Package feed mirrors the coordinator's view into Redis so other tools
// (overlays, bots) can follow a session without talking to the relay.
//
// Keys:
//
//	evtc:<session>:job:<id>   JSON row, expires after TTL
//	evtc:<session>:summary    JSON counts per stage, expires after TTL
//
// Every publish that changed rows also sends the changed ids on
// evtc:<session>:updates. Rows that did not change get their TTL refreshed,
// so a long session never loses early jobs. An idle view is refreshed once
// half the TTL has passed.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

const DefaultTTL = 24 * time.Hour

// finalPublishTimeout bounds the publish Follow makes on its way out.
const finalPublishTimeout = 2 * time.Second

// Summary is the value stored under SummaryKey.
type Summary struct {
	Version uint64                                  `json:"version"`
	Jobs    int                                     `json:"jobs"`
	Settled bool                                    `json:"settled"`
	Stages  map[types.Stage]map[types.StepState]int `json:"stages"`
}

// Publisher writes changed rows to Redis. Publish is not safe for
// concurrent use; Follow owns it when used.
type Publisher struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger

	session   string
	version   uint64
	refreshed time.Time              // last successful write
	sent      map[types.JobID][]byte // last encoded row per job
}

// NewPublisher connects to the Redis at redisURL (redis://host:port/db).
func NewPublisher(redisURL string, ttl time.Duration, logger *slog.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newPublisher(redis.NewClient(opts), ttl, logger), nil
}

func newPublisher(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Publisher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client: client,
		ttl:    ttl,
		log:    logger.With("component", "feed"),
		sent:   make(map[types.JobID][]byte),
	}
}

func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

// Publish writes the rows that changed since the previous call and extends
// the TTL of the others. A view with an unchanged version is ignored until
// its keys are halfway to expiry. It returns the ids written.
func (p *Publisher) Publish(ctx context.Context, view types.View) ([]types.JobID, error) {
	if view.Session != p.session {
		p.session = view.Session
		p.version = 0
		p.sent = make(map[types.JobID][]byte)
	} else if view.Version == p.version && time.Since(p.refreshed) < p.ttl/2 {
		return nil, nil
	}

	changed, encoded, err := p.diff(view)
	if err != nil {
		return nil, err
	}
	summary, err := json.Marshal(summarize(view))
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}

	pipe := p.client.TxPipeline()
	for i, id := range changed {
		pipe.Set(ctx, JobKey(view.Session, id), encoded[i], p.ttl)
	}
	for id := range p.sent {
		if !slices.Contains(changed, id) {
			pipe.Expire(ctx, JobKey(view.Session, id), p.ttl)
		}
	}
	pipe.Set(ctx, SummaryKey(view.Session), summary, p.ttl)
	if len(changed) > 0 {
		pipe.Publish(ctx, UpdatesChannel(view.Session), joinIDs(changed))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("publish view %d: %w", view.Version, err)
	}

	for i, id := range changed {
		p.sent[id] = encoded[i]
	}
	p.version = view.Version
	p.refreshed = time.Now()
	return changed, nil
}

// diff encodes every row and keeps the ones that differ from what was sent.
func (p *Publisher) diff(view types.View) ([]types.JobID, [][]byte, error) {
	var ids []types.JobID
	var out [][]byte
	for _, row := range view.Rows {
		b, err := json.Marshal(row)
		if err != nil {
			return nil, nil, fmt.Errorf("encode row %d: %w", row.ID, err)
		}
		if bytes.Equal(p.sent[row.ID], b) {
			continue
		}
		ids = append(ids, row.ID)
		out = append(out, b)
	}
	return ids, out, nil
}

// Follow publishes the view returned by source every interval until ctx is
// done, then publishes once more so the final view reaches Redis. Redis
// errors are logged and retried on the next interval.
func (p *Publisher) Follow(ctx context.Context, interval time.Duration, source func() types.View) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), finalPublishTimeout)
			defer cancel()
			p.publishLogged(final, source())
			return
		case <-ticker.C:
			p.publishLogged(ctx, source())
		}
	}
}

func (p *Publisher) publishLogged(ctx context.Context, view types.View) {
	ids, err := p.Publish(ctx, view)
	if err != nil {
		p.log.Warn("feed publish failed", "error", err)
		return
	}
	if len(ids) > 0 {
		p.log.Debug("feed published", "rows", len(ids))
	}
}

func summarize(view types.View) Summary {
	s := Summary{
		Version: view.Version,
		Jobs:    len(view.Rows),
		Settled: view.Settled(),
		Stages:  make(map[types.Stage]map[types.StepState]int, len(types.Stages)),
	}
	for _, st := range types.Stages {
		s.Stages[st] = view.Counts(st)
	}
	return s
}

func joinIDs(ids []types.JobID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}
