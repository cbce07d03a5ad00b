package config

import (
	"fmt"
	"slices"
)

type field struct {
	name   string
	live   bool // applied without restart
	render func(*Config) string
}

func str[T any](get func(*Config) T) func(*Config) string {
	return func(c *Config) string { return fmt.Sprint(get(c)) }
}

var fields = []field{
	{"server.host", false, str(func(c *Config) string { return c.Server.Host })},
	{"server.port", false, str(func(c *Config) int { return c.Server.Port })},
	{"server.auth_token", false, func(c *Config) string {
		if c.Server.AuthToken == "" {
			return "unset"
		}
		return "set"
	}},
	{"server.allowed_origins", false, str(func(c *Config) []string { return c.Server.AllowedOrigins })},
	{"server.max_connections", false, str(func(c *Config) int { return c.Server.MaxConnections })},
	{"upstream.driver", false, str(func(c *Config) string { return c.Upstream.Driver })},
	{"upstream.dsn", false, str(func(c *Config) string { return c.Upstream.DSN })},
	{"upstream.topics", false, str(func(c *Config) []string { return c.Upstream.Topics })},
	{"upstream.backoff_floor", false, str(func(c *Config) any { return c.Upstream.BackoffFloor })},
	{"upstream.backoff_ceiling", false, str(func(c *Config) any { return c.Upstream.BackoffCeiling })},
	{"gateway.outbox_size", false, str(func(c *Config) int { return c.Gateway.OutboxSize })},
	{"gateway.shards", false, str(func(c *Config) int { return c.Gateway.Shards })},
	{"gateway.max_lag", true, str(func(c *Config) uint64 { return c.Gateway.MaxLag })},
	{"gateway.drain_timeout", false, str(func(c *Config) any { return c.Gateway.DrainTimeout })},
	{"publish.enabled", false, str(func(c *Config) bool { return c.Publish.Enabled })},
	{"publish.rate_per_second", true, str(func(c *Config) float64 { return c.Publish.RatePerSecond })},
	{"publish.burst", true, str(func(c *Config) int { return c.Publish.Burst })},
	{"log.level", true, str(func(c *Config) string { return c.Log.Level })},
	{"log.format", false, str(func(c *Config) string { return c.Log.Format })},
}

// Diff describes every setting that differs between old and new, one
// "name: old → new" line each.
func Diff(old, new *Config) []string {
	var out []string
	for _, f := range fields {
		a, b := f.render(old), f.render(new)
		if a != b {
			out = append(out, fmt.Sprintf("%s: %s → %s", f.name, a, b))
		}
	}
	return out
}

// RestartRequired names the changed settings that only take effect after a
// restart.
func RestartRequired(old, new *Config) []string {
	var out []string
	for _, f := range fields {
		if !f.live && f.render(old) != f.render(new) {
			out = append(out, f.name)
		}
	}
	return out
}

// IsLive reports whether the named setting is applied on reload.
func IsLive(name string) bool {
	i := slices.IndexFunc(fields, func(f field) bool { return f.name == name })
	return i >= 0 && fields[i].live
}
