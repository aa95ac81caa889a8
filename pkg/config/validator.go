package config

import (
	"fmt"

	"github.com/kodustech/kodus-flow/pkg/agent/strategy"
	"github.com/kodustech/kodus-flow/pkg/review"
)

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	if cfg.TenantID == "" {
		return NewValidationError("system", "tenant_id", "", ErrMissingRequiredField)
	}

	if cfg.Server != nil {
		if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
			return NewValidationError("server", "server", "port",
				fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Server.Port))
		}
	}

	for name, ac := range cfg.Agents {
		planner := ac.Planner
		if planner == "" && cfg.Defaults != nil {
			planner = cfg.Defaults.Planner
		}
		if _, err := strategy.New(planner); err != nil {
			return NewValidationError("agent", name, "planner",
				fmt.Errorf("%w: %q", ErrInvalidValue, ac.Planner))
		}
	}

	for id, transport := range cfg.MCPServers {
		if err := validateTransport(id, transport.Type, transport.Command, transport.URL); err != nil {
			return err
		}
	}

	if _, err := cfg.KernelConfig(); err != nil {
		return err
	}

	if cfg.Review != nil {
		switch cfg.Review.CadenceMode {
		case review.CadenceAutomatic, review.CadenceManual, review.CadenceAutoPause, "":
		default:
			return NewValidationError("review", "review", "cadence_mode",
				fmt.Errorf("%w: %q", ErrInvalidValue, cfg.Review.CadenceMode))
		}
	}

	return nil
}

func validateTransport(id, transportType, command, endpoint string) error {
	switch transportType {
	case "stdio":
		if command == "" {
			return NewValidationError("mcp_server", id, "command", ErrMissingRequiredField)
		}
	case "http", "sse":
		if endpoint == "" {
			return NewValidationError("mcp_server", id, "url", ErrMissingRequiredField)
		}
	default:
		return NewValidationError("mcp_server", id, "type",
			fmt.Errorf("%w: %q", ErrInvalidValue, transportType))
	}
	return nil
}
