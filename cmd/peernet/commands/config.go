package commands

import (
	"github.com/mosaicnetworks/peernet/src/config"
)

//CLIConfig contains configuration for the Run command
type CLIConfig struct {
	Peernet config.Config `mapstructure:",squash"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Peernet: *config.NewDefaultConfig(),
	}
}
