package config

import (
	"fmt"
	"net/url"
)

// validate checks resolved configuration for contradictions the rest of
// the system cannot tolerate.
func validate(cfg *Config) error {
	if cfg.BaseURL == "" {
		return NewValidationError("RCRT_BASE_URL", ErrMissingRequiredField)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return NewValidationError("RCRT_BASE_URL",
			fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidValue, cfg.BaseURL))
	}

	if cfg.OwnerID == "" {
		return NewValidationError("OWNER_ID", ErrMissingRequiredField)
	}
	if cfg.AgentID == "" {
		return NewValidationError("AGENT_ID", ErrMissingRequiredField)
	}

	switch cfg.DeploymentMode {
	case ModeLocal, ModeDocker, ModeDesktop:
	default:
		return NewValidationError("DEPLOYMENT_MODE",
			fmt.Errorf("%w: %q (want local, docker, or desktop)", ErrInvalidValue, cfg.DeploymentMode))
	}

	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return NewValidationError("HTTP_PORT",
			fmt.Errorf("%w: %d", ErrInvalidValue, cfg.HTTPPort))
	}

	if cfg.Dispatch.ReconnectMinBackoff > cfg.Dispatch.ReconnectMaxBackoff {
		return NewValidationError("dispatch.reconnect_min_backoff",
			fmt.Errorf("%w: min backoff exceeds max", ErrInvalidValue))
	}

	if cfg.Retry.BackoffMultiplier < 1 {
		return NewValidationError("retry.backoff_multiplier",
			fmt.Errorf("%w: %v (must be >= 1)", ErrInvalidValue, cfg.Retry.BackoffMultiplier))
	}

	return nil
}
