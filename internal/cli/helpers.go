package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/opsgate/opsgate/internal/config"
)

// loadConfigOrDefault loads the config file, falling back to the built-in
// defaults when it does not exist. Subcommands never create the file;
// only `opsgate init` and the daemon itself write config.
func loadConfigOrDefault(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
