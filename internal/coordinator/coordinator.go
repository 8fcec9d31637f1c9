// Package coordinator orchestrates one refresh cycle against Moonraker:
// the batched object query, the printer identity call, and the
// conditional thumbnail lookup, merged into a single typed snapshot.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hollowoak/moonbridge/internal/sensor"
)

// RPC is the transport surface the coordinator needs. Satisfied by
// moonraker.Client; defined here so tests can substitute a fake and the
// coordinator stays decoupled from the wire client.
type RPC interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// PrinterInfo is the printer.info result.
type PrinterInfo struct {
	State           string `json:"state"`
	StateMessage    string `json:"state_message"`
	Hostname        string `json:"hostname"`
	SoftwareVersion string `json:"software_version"`
	CPUInfo         string `json:"cpu_info"`
}

// Webcam is one entry from server.webcams.list.
type Webcam struct {
	Name        string `json:"name"`
	Location    string `json:"location"`
	Service     string `json:"service"`
	StreamURL   string `json:"stream_url"`
	SnapshotURL string `json:"snapshot_url"`
}

// Snapshot is the merged result of one refresh. A fresh value is built
// every cycle; consumers must not mutate it.
type Snapshot struct {
	// Status holds the per-object query result, keyed by object path
	// then field name.
	Status map[string]map[string]any

	// Info is the printer identity from printer.info.
	Info PrinterInfo

	// Thumbnail is the gcode preview path relative to the gcodes root,
	// or empty when nothing is printing or the file has no previews.
	Thumbnail string

	// FetchedAt is when the refresh completed.
	FetchedAt time.Time
}

// Field returns one object field from the status result, or nil when
// the object or field is absent.
func (s *Snapshot) Field(object, field string) any {
	if s == nil {
		return nil
	}
	obj, ok := s.Status[object]
	if !ok {
		return nil
	}
	return obj[field]
}

// Fields collects the values for a descriptor's subscriptions, keyed
// "object.field". Missing values are omitted.
func (s *Snapshot) Fields(d sensor.Descriptor) map[string]any {
	out := make(map[string]any, len(d.Subscriptions))
	for _, sub := range d.Subscriptions {
		if v := s.Field(sub.Object, sub.Field); v != nil {
			out[sub.Object+"."+sub.Field] = v
		}
	}
	return out
}

// SensorState renders a descriptor's MQTT state string from this
// snapshot.
func (s *Snapshot) SensorState(d sensor.Descriptor) string {
	if d.Render != nil {
		return d.Render(s.Fields(d))
	}
	if len(d.Subscriptions) == 0 {
		return ""
	}
	sub := d.Subscriptions[0]
	return sensor.FormatValue(s.Field(sub.Object, sub.Field))
}

// UpdateError wraps any failure inside a refresh cycle. The poller
// treats it as recoverable: the previous snapshot stays visible and the
// next tick proceeds on schedule.
type UpdateError struct {
	Method string
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update failed: %s: %v", e.Method, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// Coordinator executes refresh cycles over a shared RPC connection.
// The query document is built once at construction and read-only
// afterward; each refresh produces a fresh unshared Snapshot, so no
// locking is needed.
type Coordinator struct {
	rpc    RPC
	query  sensor.QueryDocument
	logger *slog.Logger
}

// New creates a coordinator polling for the given descriptors' data.
func New(rpc RPC, descriptors []sensor.Descriptor, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rpc:    rpc,
		query:  sensor.BuildQuery(descriptors),
		logger: logger,
	}
}

// Query exposes the built query document for logging and tests.
func (c *Coordinator) Query() sensor.QueryDocument {
	return c.query
}

// queryResult is the printer.objects.query response envelope.
type queryResult struct {
	Eventtime float64                   `json:"eventtime"`
	Status    map[string]map[string]any `json:"status"`
}

// fileMetadata is the subset of server.files.metadata we consume.
type fileMetadata struct {
	Thumbnails []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		Size         int    `json:"size"`
		RelativePath string `json:"relative_path"`
	} `json:"thumbnails"`
}

// Refresh runs one full cycle: object query, printer.info, and the
// thumbnail lookup for the file currently printing. On any call failure
// it returns a nil snapshot and an *UpdateError — never partial data.
func (c *Coordinator) Refresh(ctx context.Context) (*Snapshot, error) {
	raw, err := c.fetch(ctx, "printer.objects.query", map[string]any{"objects": c.query})
	if err != nil {
		return nil, err
	}
	var qr queryResult
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, &UpdateError{Method: "printer.objects.query", Err: err}
	}

	raw, err = c.fetch(ctx, "printer.info", nil)
	if err != nil {
		return nil, err
	}
	var info PrinterInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, &UpdateError{Method: "printer.info", Err: err}
	}

	snap := &Snapshot{
		Status:    qr.Status,
		Info:      info,
		FetchedAt: time.Now(),
	}

	snap.Thumbnail, err = c.thumbnail(ctx, currentFilename(qr.Status))
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// currentFilename extracts status.print_stats.filename, empty when
// absent.
func currentFilename(status map[string]map[string]any) string {
	stats, ok := status["print_stats"]
	if !ok {
		return ""
	}
	name, _ := stats["filename"].(string)
	return name
}

// thumbnail resolves the preview path for the file being printed. An
// empty filename means nothing is printing and no metadata call is
// made. A file without previews (sliced with thumbnails disabled)
// yields the same empty marker rather than an error.
func (c *Coordinator) thumbnail(ctx context.Context, filename string) (string, error) {
	if filename == "" {
		return "", nil
	}

	raw, err := c.fetch(ctx, "server.files.metadata", map[string]any{"filename": filename})
	if err != nil {
		return "", err
	}

	var meta fileMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", &UpdateError{Method: "server.files.metadata", Err: err}
	}

	if len(meta.Thumbnails) == 0 {
		return "", nil
	}
	// Slicers list thumbnails smallest first; take the largest.
	return meta.Thumbnails[len(meta.Thumbnails)-1].RelativePath, nil
}

// ListCameras returns the webcams Moonraker knows about.
func (c *Coordinator) ListCameras(ctx context.Context) ([]Webcam, error) {
	raw, err := c.fetch(ctx, "server.webcams.list", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Webcams []Webcam `json:"webcams"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &UpdateError{Method: "server.webcams.list", Err: err}
	}
	return result.Webcams, nil
}

// fetch issues one RPC call, reconnecting first when the transport
// reports itself down. The reconnect is best-effort: if it fails, the
// call that follows surfaces the real error.
func (c *Coordinator) fetch(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.rpc.IsConnected() {
		c.logger.Warn("connection to moonraker down, reconnecting")
		if err := c.rpc.Connect(ctx); err != nil {
			c.logger.Warn("moonraker reconnect failed", "error", err)
		}
	}

	result, err := c.rpc.Call(ctx, method, params)
	if err != nil {
		return nil, &UpdateError{Method: method, Err: err}
	}
	return result, nil
}
