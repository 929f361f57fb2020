// Package mqtt publishes Hearth's energy readings to Home Assistant
// over MQTT discovery. Hearth appears as a native HA device with power,
// solar, grid, battery, active device, and pending suggestion sensors
// plus availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads and a
// birth message ("online") to the availability topic. A will message
// moves the availability topic to "offline" on unexpected disconnects.
//
// Readings arrive from the event bus when the energy miner captures a
// snapshot and are republished on a fixed interval so HA recovers
// state after a restart.
package mqtt
