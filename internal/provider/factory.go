package provider

import (
	"fmt"
	"log/slog"

	"github.com/jkaninda/sanduku/internal/config"
)

// NewFromConfig builds the adapter for the configured provider name.
// Unknown names fail here, at startup. The returned adapter holds the only
// client for its backend and is safe for concurrent use.
func NewFromConfig(cfg *config.ProviderConfig, logger *slog.Logger) (Adapter, error) {
	switch name := cfg.ProviderName(); name {
	case NameE2B:
		e2bCfg := E2BConfig{}
		if cfg.E2B != nil {
			e2bCfg = E2BConfig{
				APIKey:     cfg.E2B.APIKey,
				Domain:     cfg.E2B.Domain,
				Template:   cfg.E2B.Template,
				TimeoutSec: cfg.E2B.TimeoutSec,
			}
		}
		return NewE2B(e2bCfg, logger)

	case NameDaytona:
		dtCfg := DaytonaConfig{}
		if cfg.Daytona != nil {
			dtCfg = DaytonaConfig{
				APIKey:   cfg.Daytona.APIKey,
				APIURL:   cfg.Daytona.APIURL,
				Snapshot: cfg.Daytona.Snapshot,
				Target:   cfg.Daytona.Target,
			}
		}
		return NewDaytona(dtCfg, logger)

	case NameDocker:
		dkCfg := DockerConfig{}
		if cfg.Docker != nil {
			dkCfg = DockerConfig{
				Image:          cfg.Docker.Image,
				MemoryMB:       cfg.Docker.MemoryMB,
				CPUCores:       cfg.Docker.CPUCores,
				PIDsLimit:      cfg.Docker.PIDsLimit,
				NetworkAllowed: cfg.Docker.NetworkAllowed,
				PublishPorts:   cfg.Docker.PublishPorts,
			}
		}
		return NewDocker(dkCfg, logger), nil

	default:
		return nil, fmt.Errorf("unknown sandbox provider %q (use e2b, daytona, or docker)", name)
	}
}

// Interface compliance checks.
var (
	_ Adapter = (*E2B)(nil)
	_ Adapter = (*Daytona)(nil)
	_ Adapter = (*Docker)(nil)
)
