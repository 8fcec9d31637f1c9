package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hollowoak/moonbridge/internal/sensor"
)

// mockRPC answers calls from a canned result table and records every
// method invoked.
type mockRPC struct {
	results   map[string]string // method → JSON result
	errOn     map[string]error  // method → forced error
	connected bool
	connects  int
	calls     []string
}

func newMockRPC() *mockRPC {
	return &mockRPC{
		results:   make(map[string]string),
		errOn:     make(map[string]error),
		connected: true,
	}
}

func (m *mockRPC) Connect(_ context.Context) error {
	m.connects++
	m.connected = true
	return nil
}

func (m *mockRPC) IsConnected() bool { return m.connected }

func (m *mockRPC) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	m.calls = append(m.calls, method)
	if err := m.errOn[method]; err != nil {
		return nil, err
	}
	result, ok := m.results[method]
	if !ok {
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	return json.RawMessage(result), nil
}

func (m *mockRPC) called(method string) bool {
	for _, c := range m.calls {
		if c == method {
			return true
		}
	}
	return false
}

var testDescriptors = []sensor.Descriptor{
	{Key: "toolhead_position", Subscriptions: []sensor.Subscription{{Object: "toolhead", Field: "position"}}},
	{Key: "filename", Subscriptions: []sensor.Subscription{{Object: "print_stats", Field: "filename"}}},
	{Key: "extruder_temperature", Subscriptions: []sensor.Subscription{{Object: "extruder", Field: "temperature"}}},
}

func queryJSON(filename string) string {
	return fmt.Sprintf(`{
		"eventtime": 12345.6,
		"status": {
			"toolhead": {"position": [1.0, 2.0, 3.0, 0.0]},
			"print_stats": {"filename": %q},
			"extruder": {"temperature": 215.3}
		}
	}`, filename)
}

const infoJSON = `{
	"state": "ready",
	"state_message": "Printer is ready",
	"hostname": "voron",
	"software_version": "v0.12.0-89"
}`

func TestRefresh_MergesAllResults(t *testing.T) {
	rpc := newMockRPC()
	rpc.results["printer.objects.query"] = queryJSON("benchy.gcode")
	rpc.results["printer.info"] = infoJSON
	rpc.results["server.files.metadata"] = `{
		"thumbnails": [
			{"width": 32, "height": 32, "relative_path": ".thumbs/benchy-32x32.png"},
			{"width": 300, "height": 300, "relative_path": ".thumbs/benchy-300x300.png"}
		]
	}`

	c := New(rpc, testDescriptors, nil)
	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	if snap.Info.Hostname != "voron" {
		t.Errorf("Info.Hostname = %q, want voron", snap.Info.Hostname)
	}
	if snap.Info.SoftwareVersion != "v0.12.0-89" {
		t.Errorf("Info.SoftwareVersion = %q", snap.Info.SoftwareVersion)
	}
	if got := snap.Field("extruder", "temperature"); got != 215.3 {
		t.Errorf("extruder.temperature = %v, want 215.3", got)
	}
	// Last thumbnail in the list wins.
	if snap.Thumbnail != ".thumbs/benchy-300x300.png" {
		t.Errorf("Thumbnail = %q, want .thumbs/benchy-300x300.png", snap.Thumbnail)
	}
	if snap.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
}

func TestRefresh_NoFilenameSkipsMetadata(t *testing.T) {
	rpc := newMockRPC()
	rpc.results["printer.objects.query"] = queryJSON("")
	rpc.results["printer.info"] = infoJSON

	c := New(rpc, testDescriptors, nil)
	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	if rpc.called("server.files.metadata") {
		t.Error("metadata call issued with empty filename")
	}
	if snap.Thumbnail != "" {
		t.Errorf("Thumbnail = %q, want empty marker", snap.Thumbnail)
	}
}

func TestRefresh_AbsentFilenameSkipsMetadata(t *testing.T) {
	rpc := newMockRPC()
	rpc.results["printer.objects.query"] = `{"eventtime": 1, "status": {"toolhead": {"position": [0,0,0,0]}}}`
	rpc.results["printer.info"] = infoJSON

	c := New(rpc, testDescriptors, nil)
	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	if rpc.called("server.files.metadata") {
		t.Error("metadata call issued with no print_stats in result")
	}
	if snap.Thumbnail != "" {
		t.Errorf("Thumbnail = %q, want empty marker", snap.Thumbnail)
	}
}

func TestRefresh_EmptyThumbnailsList(t *testing.T) {
	// Files sliced with thumbnails disabled report an empty list; the
	// refresh must not fail (or index past the end) and reports the
	// no-thumbnail marker.
	rpc := newMockRPC()
	rpc.results["printer.objects.query"] = queryJSON("benchy.gcode")
	rpc.results["printer.info"] = infoJSON
	rpc.results["server.files.metadata"] = `{"thumbnails": []}`

	c := New(rpc, testDescriptors, nil)
	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if snap.Thumbnail != "" {
		t.Errorf("Thumbnail = %q, want empty marker", snap.Thumbnail)
	}
}

func TestRefresh_CallErrorSurfacesUpdateError(t *testing.T) {
	for _, method := range []string{"printer.objects.query", "printer.info", "server.files.metadata"} {
		rpc := newMockRPC()
		rpc.results["printer.objects.query"] = queryJSON("benchy.gcode")
		rpc.results["printer.info"] = infoJSON
		rpc.results["server.files.metadata"] = `{"thumbnails": []}`
		rpc.errOn[method] = errors.New("boom")

		c := New(rpc, testDescriptors, nil)
		snap, err := c.Refresh(context.Background())
		if err == nil {
			t.Errorf("%s: Refresh() succeeded despite call failure", method)
			continue
		}
		if snap != nil {
			t.Errorf("%s: partial snapshot returned alongside error", method)
		}
		var ue *UpdateError
		if !errors.As(err, &ue) {
			t.Errorf("%s: error %v is not *UpdateError", method, err)
			continue
		}
		if ue.Method != method {
			t.Errorf("UpdateError.Method = %q, want %q", ue.Method, method)
		}
	}
}

func TestRefresh_ReconnectsWhenDisconnected(t *testing.T) {
	rpc := newMockRPC()
	rpc.connected = false
	rpc.results["printer.objects.query"] = queryJSON("")
	rpc.results["printer.info"] = infoJSON

	c := New(rpc, testDescriptors, nil)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	if rpc.connects != 1 {
		t.Errorf("Connect called %d times, want 1", rpc.connects)
	}
	// Reconnect happens before the first call.
	if len(rpc.calls) == 0 || rpc.calls[0] != "printer.objects.query" {
		t.Errorf("calls = %v", rpc.calls)
	}
}

func TestRefresh_NoReconnectWhenHealthy(t *testing.T) {
	rpc := newMockRPC()
	rpc.results["printer.objects.query"] = queryJSON("")
	rpc.results["printer.info"] = infoJSON

	c := New(rpc, testDescriptors, nil)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if rpc.connects != 0 {
		t.Errorf("Connect called %d times, want 0", rpc.connects)
	}
}

func TestQuery_BuiltOnceFromDescriptors(t *testing.T) {
	c := New(newMockRPC(), testDescriptors, nil)
	q := c.Query()

	if len(q) != 3 {
		t.Fatalf("query objects = %d, want 3: %v", len(q), q)
	}
	if len(q["print_stats"]) != 1 || q["print_stats"][0] != "filename" {
		t.Errorf("print_stats = %v", q["print_stats"])
	}
}

func TestListCameras(t *testing.T) {
	rpc := newMockRPC()
	rpc.results["server.webcams.list"] = `{
		"webcams": [
			{"name": "bed cam", "service": "mjpegstreamer", "stream_url": "/webcam/?action=stream"}
		]
	}`

	c := New(rpc, testDescriptors, nil)
	cams, err := c.ListCameras(context.Background())
	if err != nil {
		t.Fatalf("ListCameras() error: %v", err)
	}
	if len(cams) != 1 || cams[0].Name != "bed cam" {
		t.Errorf("cams = %+v", cams)
	}
}

func TestListCameras_Error(t *testing.T) {
	rpc := newMockRPC()
	rpc.errOn["server.webcams.list"] = errors.New("boom")

	c := New(rpc, testDescriptors, nil)
	if _, err := c.ListCameras(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSnapshot_SensorState(t *testing.T) {
	snap := &Snapshot{
		Status: map[string]map[string]any{
			"extruder": {"temperature": 215.3},
			"toolhead": {"position": []any{10.0, 20.0, 0.3, 0.0}},
		},
	}

	d := sensor.Descriptor{
		Key:           "extruder_temperature",
		Subscriptions: []sensor.Subscription{{Object: "extruder", Field: "temperature"}},
	}
	if got := snap.SensorState(d); got != "215.3" {
		t.Errorf("SensorState = %q, want 215.3", got)
	}

	missing := sensor.Descriptor{
		Key:           "bed",
		Subscriptions: []sensor.Subscription{{Object: "heater_bed", Field: "temperature"}},
	}
	if got := snap.SensorState(missing); got != "" {
		t.Errorf("SensorState for absent object = %q, want empty", got)
	}

	rendered := sensor.Descriptor{
		Key:           "toolhead_position",
		Subscriptions: []sensor.Subscription{{Object: "toolhead", Field: "position"}},
		Render: func(fields map[string]any) string {
			if _, ok := fields["toolhead.position"]; ok {
				return "rendered"
			}
			return ""
		},
	}
	if got := snap.SensorState(rendered); got != "rendered" {
		t.Errorf("SensorState with Render = %q", got)
	}
}
