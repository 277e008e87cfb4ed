// Package telemetry writes device readings to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/zorak1103/nest-protect/internal/config"
	"github.com/zorak1103/nest-protect/internal/entity"
	"github.com/zorak1103/nest-protect/internal/logging"
	"github.com/zorak1103/nest-protect/internal/nest"
)

// Measurement is the InfluxDB measurement every reading is written to.
const Measurement = "nest_protect"

const (
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000
)

// Sentinel errors.
var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// PointWriter is the non-blocking write side of the InfluxDB client.
type PointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Client owns the InfluxDB connection.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Connect pings the server and opens a batching write API.
func Connect(ctx context.Context, cfg config.InfluxConfig, logger *logging.Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = logging.Discard()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("InfluxDB write failed", "error", err)
		}
	}()

	return &Client{client: client, writeAPI: writeAPI}, nil
}

// WritePoint queues a point.
func (c *Client) WritePoint(p *write.Point) {
	c.writeAPI.WritePoint(p)
}

// Flush sends all queued points.
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Close flushes and closes the connection.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Recorder turns device updates into points.
type Recorder struct {
	writer PointWriter
	logger *logging.Logger

	mu      sync.Mutex
	written int
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w PointWriter, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{writer: w, logger: logger}
}

// Record writes one point per numeric or boolean sensor state of device. The
// point time is the bucket timestamp.
func (r *Recorder) Record(device nest.Bucket, entities []entity.Entity) int {
	ts := time.UnixMilli(device.ObjectTimestamp)
	if device.ObjectTimestamp == 0 {
		ts = time.Now()
	}

	n := 0
	for _, e := range entities {
		if e.ObjectKey != device.ObjectKey {
			continue
		}
		if p := e.Platform(); p != entity.PlatformSensor && p != entity.PlatformBinarySensor {
			continue
		}
		state, ok := e.State(device)
		if !ok {
			continue
		}
		value, ok := numeric(state)
		if !ok {
			continue
		}

		tags := map[string]string{
			"object_key": device.ObjectKey,
			"unique_id":  e.UniqueID,
			"key":        e.Key(),
			"device":     e.Device.Name,
		}
		if e.Description.DeviceClass != "" {
			tags["device_class"] = e.Description.DeviceClass
		}
		r.writer.WritePoint(write.NewPoint(Measurement, tags, map[string]any{"value": value}, ts))
		n++
	}

	r.mu.Lock()
	r.written += n
	r.mu.Unlock()
	r.logger.Trace("Recorded telemetry", "object_key", device.ObjectKey, "points", n)
	return n
}

// Written returns the number of points recorded so far.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Flush sends pending points.
func (r *Recorder) Flush() {
	r.writer.Flush()
}

func numeric(state any) (float64, bool) {
	switch v := state.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
