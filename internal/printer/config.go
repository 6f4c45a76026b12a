// Package printer manages live MQTT control connections to Bambu Lab printers.
//
// A Manager owns one Connection per printer serial. Each Connection keeps the
// printer's DeviceState current from report messages, correlates calibration
// (K-profile) queries with their replies, and holds pending slot assignments
// that fire once the printer reports a spool in the slot.
package printer

import "time"

// Config holds the protocol and timing settings shared by every connection.
type Config struct {
	// Port is the printer's MQTT-over-TLS port.
	Port int

	// Username is the fixed MQTT identity; the access code is the password.
	Username string

	// ClientIDPrefix is prepended to the serial to build the MQTT client id.
	ClientIDPrefix string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// GracePeriod is how long a dropped session still reports connected.
	GracePeriod time.Duration

	// CalibrationTTL bounds how long a K-profile list is served from cache.
	CalibrationTTL time.Duration

	// CalibrationTimeout is the wait for one extrusion_cali_get reply.
	CalibrationTimeout time.Duration

	// CalibrationRetries is the number of extrusion_cali_get attempts.
	CalibrationRetries int

	// CalibrationNozzles are requested on every (re)connect.
	CalibrationNozzles []string

	// EventBuffer sizes the notification queue between transport and handlers.
	EventBuffer int
}

// DefaultConfig returns the settings used against stock printer firmware.
func DefaultConfig() Config {
	return Config{
		Port:               8883,
		Username:           "bblp",
		ClientIDPrefix:     "spoolbuddy_",
		KeepAlive:          60 * time.Second,
		ConnectTimeout:     10 * time.Second,
		PublishTimeout:     5 * time.Second,
		GracePeriod:        5 * time.Second,
		CalibrationTTL:     30 * time.Second,
		CalibrationTimeout: 5 * time.Second,
		CalibrationRetries: 3,
		CalibrationNozzles: []string{"0.2", "0.4", "0.6", "0.8"},
		EventBuffer:        256,
	}
}

// CalibrationBudget is the longest a K-profile fetch runs once it holds the
// per-printer request lock: every attempt waiting out both its publish and
// its reply.
func (c Config) CalibrationBudget() time.Duration {
	c = c.withDefaults()
	return time.Duration(c.CalibrationRetries) * (c.PublishTimeout + c.CalibrationTimeout)
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.Username == "" {
		c.Username = d.Username
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = d.ClientIDPrefix
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.CalibrationTTL <= 0 {
		c.CalibrationTTL = d.CalibrationTTL
	}
	if c.CalibrationTimeout <= 0 {
		c.CalibrationTimeout = d.CalibrationTimeout
	}
	if c.CalibrationRetries <= 0 {
		c.CalibrationRetries = d.CalibrationRetries
	}
	if c.CalibrationNozzles == nil {
		c.CalibrationNozzles = d.CalibrationNozzles
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
