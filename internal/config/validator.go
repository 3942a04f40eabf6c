package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error", "none"}
}

func ValidBackends() []string {
	return []string{BackendCDP, BackendRelay}
}

// Validate returns every problem with c; an empty result means valid.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, ValidationError{Field: "store.path", Value: c.Store.Path, Message: "must not be empty"})
	}

	positive := []struct {
		field string
		value time.Duration
	}{
		{"engine.reopen_delay", c.Engine.ReopenDelay},
		{"engine.sweep_interval", c.Engine.SweepInterval},
		{"engine.op_timeout", c.Engine.OpTimeout},
		{"guard.rearm_interval", c.Guard.RearmInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{Field: p.field, Value: p.value, Message: "must be positive"})
		}
	}
	if c.Engine.MailboxSize <= 0 {
		errs = append(errs, ValidationError{Field: "engine.mailbox_size", Value: c.Engine.MailboxSize, Message: "must be positive"})
	}

	if !slices.Contains(ValidBackends(), c.Host.Backend) {
		errs = append(errs, ValidationError{
			Field:   "host.backend",
			Value:   c.Host.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}
	switch c.Host.Backend {
	case BackendCDP:
		if c.Host.CDPURL == "" {
			errs = append(errs, ValidationError{Field: "host.cdp_url", Value: c.Host.CDPURL, Message: "required for the cdp backend"})
		}
	case BackendRelay:
		if c.Host.RelayAddr == "" {
			errs = append(errs, ValidationError{Field: "host.relay_addr", Value: c.Host.RelayAddr, Message: "required for the relay backend"})
		}
	}

	if c.Control.SocketPath == "" {
		errs = append(errs, ValidationError{Field: "control.socket_path", Value: c.Control.SocketPath, Message: "must not be empty"})
	}
	if c.Daemon.LockPath == "" {
		errs = append(errs, ValidationError{Field: "daemon.lock_path", Value: c.Daemon.LockPath, Message: "must not be empty"})
	}

	return errs
}
