// Package sensor defines the static registry of printer sensors and
// builds the batched object query the coordinator polls with. Each
// sensor names the Klipper object/field pairs it depends on; the query
// document is the deduplicated union of every sensor's subscriptions.
package sensor

import (
	"encoding/json"
	"strconv"
)

// Subscription is one (object, field) pair a sensor reads from the
// printer's live object tree.
type Subscription struct {
	Object string
	Field  string
}

// Descriptor describes one sensor entity. The registry is immutable for
// the process lifetime; value extraction happens against each refresh's
// snapshot, never against the descriptor itself.
type Descriptor struct {
	// Key is the stable entity suffix used in topics and unique IDs.
	Key string

	// Name is the human-readable entity name.
	Name string

	Unit        string
	Icon        string
	DeviceClass string
	StateClass  string

	// Subscriptions lists the object/field pairs this sensor needs
	// present in the query result. The first pair is the sensor's
	// primary value unless Render overrides it.
	Subscriptions []Subscription

	// Render formats the sensor state from the fetched fields, keyed
	// "object.field". When nil, the first subscription's value is
	// formatted verbatim.
	Render func(fields map[string]any) string
}

// Registry returns the static sensor list. Callers must not mutate the
// returned descriptors.
func Registry() []Descriptor {
	return registry
}

var registry = []Descriptor{
	{
		Key:           "printer_state",
		Name:          "Printer State",
		Icon:          "mdi:printer-3d",
		Subscriptions: []Subscription{{"webhooks", "state"}},
	},
	{
		Key:           "printer_message",
		Name:          "Printer Message",
		Icon:          "mdi:message-text",
		Subscriptions: []Subscription{{"webhooks", "state_message"}},
	},
	{
		Key:           "print_state",
		Name:          "Print State",
		Icon:          "mdi:file-chart",
		Subscriptions: []Subscription{{"print_stats", "state"}},
	},
	{
		Key:           "filename",
		Name:          "Filename",
		Icon:          "mdi:file-document",
		Subscriptions: []Subscription{{"print_stats", "filename"}},
	},
	{
		Key:           "print_duration",
		Name:          "Print Duration",
		Unit:          "s",
		Icon:          "mdi:timer-sand",
		StateClass:    "measurement",
		Subscriptions: []Subscription{{"print_stats", "print_duration"}},
	},
	{
		Key:           "filament_used",
		Name:          "Filament Used",
		Unit:          "mm",
		Icon:          "mdi:printer-3d-nozzle",
		StateClass:    "total_increasing",
		Subscriptions: []Subscription{{"print_stats", "filament_used"}},
	},
	{
		Key:           "progress",
		Name:          "Progress",
		Unit:          "%",
		Icon:          "mdi:percent",
		StateClass:    "measurement",
		Subscriptions: []Subscription{{"display_status", "progress"}},
		Render:        percent("display_status.progress"),
	},
	{
		Key:           "extruder_temperature",
		Name:          "Extruder Temperature",
		Unit:          "°C",
		DeviceClass:   "temperature",
		StateClass:    "measurement",
		Subscriptions: []Subscription{{"extruder", "temperature"}},
	},
	{
		Key:           "extruder_target",
		Name:          "Extruder Target",
		Unit:          "°C",
		DeviceClass:   "temperature",
		Subscriptions: []Subscription{{"extruder", "target"}},
	},
	{
		Key:           "bed_temperature",
		Name:          "Bed Temperature",
		Unit:          "°C",
		DeviceClass:   "temperature",
		StateClass:    "measurement",
		Subscriptions: []Subscription{{"heater_bed", "temperature"}},
	},
	{
		Key:           "bed_target",
		Name:          "Bed Target",
		Unit:          "°C",
		DeviceClass:   "temperature",
		Subscriptions: []Subscription{{"heater_bed", "target"}},
	},
	{
		Key:           "fan_speed",
		Name:          "Fan Speed",
		Unit:          "%",
		Icon:          "mdi:fan",
		StateClass:    "measurement",
		Subscriptions: []Subscription{{"fan", "speed"}},
		Render:        percent("fan.speed"),
	},
	{
		Key:           "toolhead_position",
		Name:          "Toolhead Position",
		Icon:          "mdi:axis-arrow",
		Subscriptions: []Subscription{{"toolhead", "position"}},
		Render:        renderPosition,
	},
}

// percent renders a 0..1 fraction as a percentage with one decimal.
func percent(key string) func(fields map[string]any) string {
	return func(fields map[string]any) string {
		f, ok := fields[key].(float64)
		if !ok {
			return ""
		}
		return strconv.FormatFloat(f*100, 'f', 1, 64)
	}
}

// renderPosition joins the toolhead's X,Y,Z coordinates. Klipper reports
// position as [x, y, z, e]; the extruder axis is omitted.
func renderPosition(fields map[string]any) string {
	pos, ok := fields["toolhead.position"].([]any)
	if !ok || len(pos) < 3 {
		return ""
	}
	out := ""
	for i := 0; i < 3; i++ {
		f, ok := pos[i].(float64)
		if !ok {
			return ""
		}
		if i > 0 {
			out += ","
		}
		out += strconv.FormatFloat(f, 'f', 2, 64)
	}
	return out
}

// FormatValue renders an arbitrary query-result value as an MQTT state
// string. Numbers decoded from JSON arrive as float64.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
