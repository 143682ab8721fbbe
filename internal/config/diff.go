package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	ModelsAdded   []string
	ModelsRemoved []string
	ModelsChanged []string

	ToolsChanged bool

	RoutingChanged bool
	NewRouting     RoutingConfig

	SwarmChanged bool
	NewSwarm     SwarmConfig

	LoopChanged bool
	NewLoop     LoopConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.ModelsAdded) > 0 ||
		len(d.ModelsRemoved) > 0 ||
		len(d.ModelsChanged) > 0 ||
		d.ToolsChanged ||
		d.RoutingChanged ||
		d.SwarmChanged ||
		d.LoopChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for id := range new.Models {
		if _, ok := old.Models[id]; !ok {
			d.ModelsAdded = append(d.ModelsAdded, id)
		}
	}
	for id := range old.Models {
		if _, ok := new.Models[id]; !ok {
			d.ModelsRemoved = append(d.ModelsRemoved, id)
		}
	}
	for id, newDef := range new.Models {
		if oldDef, ok := old.Models[id]; ok && !reflect.DeepEqual(oldDef, newDef) {
			d.ModelsChanged = append(d.ModelsChanged, id)
		}
	}
	sort.Strings(d.ModelsAdded)
	sort.Strings(d.ModelsRemoved)
	sort.Strings(d.ModelsChanged)

	d.ToolsChanged = !reflect.DeepEqual(old.Tools, new.Tools)

	if !reflect.DeepEqual(old.Routing, new.Routing) {
		d.RoutingChanged = true
		d.NewRouting = new.Routing
	}
	if old.Swarm != new.Swarm {
		d.SwarmChanged = true
		d.NewSwarm = new.Swarm
	}
	if old.Loop != new.Loop {
		d.LoopChanged = true
		d.NewLoop = new.Loop
	}

	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}
	if old.Logging != new.Logging {
		d.NonReloadable = append(d.NonReloadable, "logging")
	}
	if old.Tracing != new.Tracing {
		d.NonReloadable = append(d.NonReloadable, "tracing")
	}

	return d
}
