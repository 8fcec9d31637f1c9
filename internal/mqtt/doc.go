// Package mqtt publishes the printer to Home Assistant over MQTT
// discovery. The bridge appears as a native HA device with one sensor
// entity per registered printer sensor, an image entity for the
// current print's gcode thumbnail, and availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each entity and a birth message ("online") to the availability
// topic. A will message ensures the availability topic transitions to
// "offline" on unexpected disconnects.
//
// State updates are pushed, not polled: the publisher implements the
// poller's snapshot sink and converts each successful refresh into one
// retained state message per entity.
package mqtt
