package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fablehost/fable/pkg/config"
)

// ValidateCmd validates a configuration file without starting the server.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`

	Format      string `short:"f" help:"Output format for --print-config: yaml or json." default:"yaml" enum:"yaml,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, loader, err := config.LoadFile(context.Background(), c.Config)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Config, err)
	}
	defer loader.Close()

	if c.PrintConfig {
		return printConfig(c.Format, cfg)
	}

	fmt.Printf("%s: OK\n", c.Config)
	return nil
}

func printConfig(format string, cfg *config.Config) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(cfg)
	}
}
