package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	PricingChanged bool
	NewPricing     PricingConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.SchedulerChanged || d.PricingChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}
	if old.Scheduler.Workers != new.Scheduler.Workers {
		d.NonReloadable = append(d.NonReloadable, "scheduler.workers")
	}

	if !reflect.DeepEqual(old.Pricing, new.Pricing) {
		d.PricingChanged = true
		d.NewPricing = new.Pricing
	}

	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.NATS.DataDir != new.NATS.DataDir || old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Auth.Pepper != new.Auth.Pepper {
		d.NonReloadable = append(d.NonReloadable, "auth.pepper")
	}
	if !reflect.DeepEqual(old.Agents, new.Agents) {
		d.NonReloadable = append(d.NonReloadable, "agents")
	}

	return d
}
