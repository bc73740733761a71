package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks cross-field constraints after all layers are merged.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must be >= 0"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Health.Interval < time.Second {
		errs = append(errs, fmt.Errorf("health.interval must be at least 1s, got %s", c.Health.Interval))
	}
	if c.Health.Workers <= 0 {
		errs = append(errs, errors.New("health.workers must be positive"))
	}
	if c.Adapters.Timeout <= 0 {
		errs = append(errs, errors.New("adapters.timeout must be positive"))
	}
	if c.Events.Retention < time.Hour {
		errs = append(errs, errors.New("events.retention must be at least 1h"))
	}
	if sip := c.Adapters.SIP; sip.RTPPortMin > sip.RTPPortMax {
		errs = append(errs, errors.New("adapters.sip.rtp_port_min exceeds rtp_port_max"))
	}
	if (c.Crypto.Keys == "") != (c.Crypto.ActiveKID == "") {
		errs = append(errs, errors.New("crypto.keys and crypto.active_kid must be set together"))
	}
	if c.NATS.IngestRate < 0 {
		errs = append(errs, errors.New("nats.ingest_rate must be >= 0"))
	}
	return errors.Join(errs...)
}
