package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/atlasworks/broadcast-dispatch-service/environments"
	"github.com/atlasworks/broadcast-dispatch-service/internal/domain"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/logger"
)

type Client struct {
	client valkey.Client
}

const (
	dispatchReportKeyPrefix = "dispatch_report:"
	dispatchReportTTL       = 24 * time.Hour
)

func NewRedisClient(cfg environments.RedisConfig) (*Client, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infof("Connected to Redis (via Valkey client)")

	return &Client{client: client}, nil
}

// CacheDispatchReport stores the latest dispatch summary for a broadcast
// with a TTL. The cache is a convenience view; losing it loses nothing the
// message logs don't still hold.
func (c *Client) CacheDispatchReport(ctx context.Context, report domain.DispatchReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch report: %w", err)
	}

	key := fmt.Sprintf("%s%d", dispatchReportKeyPrefix, report.BroadcastID)

	err = c.client.Do(ctx, c.client.B().Set().Key(key).Value(string(data)).Ex(dispatchReportTTL).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to cache dispatch report: %w", err)
	}

	logger.Debugf("Cached dispatch report for broadcast %d", report.BroadcastID)

	return nil
}

func (c *Client) GetDispatchReport(ctx context.Context, broadcastID int64) (*domain.DispatchReport, error) {
	key := fmt.Sprintf("%s%d", dispatchReportKeyPrefix, broadcastID)

	result := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	if result.Error() != nil {
		if valkey.IsValkeyNil(result.Error()) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get dispatch report: %w", result.Error())
	}

	data, err := result.ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatch report: %w", err)
	}

	var report domain.DispatchReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dispatch report: %w", err)
	}

	return &report, nil
}

func (c *Client) GetAllDispatchReports(ctx context.Context) (map[int64]*domain.DispatchReport, error) {
	pattern := fmt.Sprintf("%s*", dispatchReportKeyPrefix)

	var keys []string
	var cursor uint64
	for {
		result := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build())
		if result.Error() != nil {
			return nil, fmt.Errorf("failed to scan report keys: %w", result.Error())
		}

		scanResult, err := result.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to parse scan result: %w", err)
		}

		keys = append(keys, scanResult.Elements...)
		cursor = scanResult.Cursor

		if cursor == 0 {
			break
		}
	}

	reports := make(map[int64]*domain.DispatchReport)

	for _, key := range keys {
		getResult := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
		if getResult.Error() != nil {
			continue
		}

		data, err := getResult.ToString()
		if err != nil {
			continue
		}

		var report domain.DispatchReport
		if err := json.Unmarshal([]byte(data), &report); err != nil {
			continue
		}

		var broadcastID int64
		if _, err := fmt.Sscanf(key, dispatchReportKeyPrefix+"%d", &broadcastID); err != nil {
			logger.Warnf("failed to parse broadcast id from redis key %q: %v", key, err)
			continue
		}

		reports[broadcastID] = &report
	}

	return reports, nil
}

func (c *Client) Close() error {
	c.client.Close()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}
