package merge

import (
	"fmt"

	"assetsync/internal/asset"
	"assetsync/internal/config"
)

// NewMergerFromConfig creates a Merger based on the config type.
func NewMergerFromConfig(cfg config.MergeConfig, logger asset.Logger) (asset.Merger, error) {
	switch cfg.Type {
	case "", "text":
		return &TextMerger{Logger: logger}, nil
	case "strict-text":
		return &TextMerger{Strict: true, Logger: logger}, nil
	case "command":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("command merger requires command to be set")
		}
		return &CommandMerger{Argv: cfg.Command}, nil
	default:
		return nil, fmt.Errorf("unknown merge type: %s", cfg.Type)
	}
}
