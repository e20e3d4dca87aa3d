// Package influx writes pool time series (shares, blocks, payouts) to InfluxDB.
// Writes are asynchronous and batched by the client library.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and checks that the server is healthy.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(1000))

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c := &Client{client: client, bucket: cfg.Bucket, org: cfg.Org}
	if err := c.Health(healthCtx); err != nil {
		client.Close()
		return nil, err
	}

	c.writeAPI = client.WriteAPI(cfg.Org, cfg.Bucket)
	return c, nil
}

// Errors returns asynchronous write failures. The channel must be drained.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteShare records one share outcome
func (c *Client) WriteShare(minerID string, difficulty float64, status string, at time.Time) {
	c.writeAPI.WritePoint(SharePoint(minerID, difficulty, status, at))
}

// WriteBlock records a block lifecycle event
func (c *Client) WriteBlock(hash string, height int64, minerID string, reward float64, status string, at time.Time) {
	c.writeAPI.WritePoint(BlockPoint(hash, height, minerID, reward, status, at))
}

// WritePayout records a payout attempt
func (c *Client) WritePayout(minerID string, amount float64, status string, at time.Time) {
	c.writeAPI.WritePoint(PayoutPoint(minerID, amount, status, at))
}

// SharePoint builds the "shares" measurement point.
func SharePoint(minerID string, difficulty float64, status string, at time.Time) *write.Point {
	tags := map[string]string{
		"miner_id": minerID,
		"status":   status,
	}

	fields := map[string]any{
		"difficulty": difficulty,
		"count":      1,
	}

	return write.NewPoint("shares", tags, fields, at)
}

// BlockPoint builds the "blocks" measurement point.
func BlockPoint(hash string, height int64, minerID string, reward float64, status string, at time.Time) *write.Point {
	tags := map[string]string{
		"status":   status,
		"hash":     hash,
		"miner_id": minerID,
	}

	fields := map[string]any{
		"height": height,
		"reward": reward,
		"count":  1,
	}

	return write.NewPoint("blocks", tags, fields, at)
}

// PayoutPoint builds the "payouts" measurement point.
func PayoutPoint(minerID string, amount float64, status string, at time.Time) *write.Point {
	tags := map[string]string{
		"miner_id": minerID,
		"status":   status,
	}

	fields := map[string]any{
		"amount": amount,
		"count":  1,
	}

	return write.NewPoint("payouts", tags, fields, at)
}
