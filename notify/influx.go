package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

const (
	eventMeasurement   = "provisioning_events"
	influxPingTimeout  = 5 * time.Second
	influxFlushMillis  = 1000
	influxDefaultBatch = 100
)

// InfluxConfig configures the InfluxDB event history sink.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxNotifier records every event as a point in InfluxDB. Writes are
// batched and asynchronous; write errors are logged.
type InfluxNotifier struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      *slog.Logger
}

// ConnectInflux creates the client, verifies the server answers and starts
// the asynchronous writer.
func ConnectInflux(ctx context.Context, cfg InfluxConfig, log *slog.Logger) (*InfluxNotifier, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(influxDefaultBatch).
			SetFlushInterval(influxFlushMillis))

	pingCtx, cancel := context.WithTimeout(ctx, influxPingTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	n := NewInfluxNotifier(client.WriteAPI(cfg.Org, cfg.Bucket), log)
	n.client = client
	return n, nil
}

// NewInfluxNotifier wraps an existing write API.
func NewInfluxNotifier(writeAPI api.WriteAPI, log *slog.Logger) *InfluxNotifier {
	n := &InfluxNotifier{writeAPI: writeAPI, log: log}
	go n.drainErrors(writeAPI.Errors())
	return n
}

func (n *InfluxNotifier) drainErrors(errs <-chan error) {
	for err := range errs {
		n.log.Warn("influxdb write failed", "err", err)
	}
}

// Notify queues a point for the event. It never blocks on the network.
func (n *InfluxNotifier) Notify(ctx context.Context, event interfaces.Event) error {
	tags, values := fields(event)
	n.writeAPI.WritePoint(write.NewPoint(eventMeasurement, tags, values, event.OccurredAt()))
	return nil
}

// Close flushes pending points and closes the client.
func (n *InfluxNotifier) Close() error {
	n.writeAPI.Flush()
	if n.client != nil {
		n.client.Close()
	}
	return nil
}
