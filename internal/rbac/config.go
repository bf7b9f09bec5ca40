package rbac

import (
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
)

// CatalogFromConfig converts the declared sets of cfg into a Catalog with
// every entry active.
func CatalogFromConfig(cfg config.RBACConfig) *Catalog {
	convert := func(entries []config.CatalogEntry) []CatalogEntry {
		out := make([]CatalogEntry, 0, len(entries))
		for _, e := range entries {
			display := e.DisplayName
			if display == "" {
				display = e.Name
			}
			out = append(out, CatalogEntry{Name: e.Name, DisplayName: display, IsActive: true})
		}
		return out
	}
	return &Catalog{
		Roles:   convert(cfg.Roles),
		Modules: convert(cfg.Modules),
		Actions: convert(cfg.Actions),
	}
}

// DefaultPolicyFromConfig grants every cell to the configured super role
// and denies everything else. With no super role it denies all.
func DefaultPolicyFromConfig(cfg config.RBACConfig) DefaultPolicy {
	if cfg.SuperRole == "" {
		return DenyAllExcept()
	}
	return DenyAllExcept(cfg.SuperRole)
}

// ServiceConfigFromConfig maps the engine tuning of cfg onto a ServiceConfig.
func ServiceConfigFromConfig(cfg config.RBACConfig, instanceID string) ServiceConfig {
	return ServiceConfig{
		MaxRetries:     cfg.MaxRetries,
		CacheEnabled:   cfg.Cache.Enabled,
		VerifyInterval: cfg.Cache.VerifyInterval,
		InstanceID:     instanceID,
	}
}
