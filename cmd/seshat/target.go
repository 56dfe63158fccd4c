package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/seshat/internal/config"
)

// target names a config file and the section to read from it. Commands accept
// both as positional arguments or through -c/-s.
type target struct {
	configPath string
	section    string
}

func (t *target) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&t.configPath, "config", "c", "", "path to Seshat config file")
	cmd.Flags().StringVarP(&t.section, "section", "s", "", "config section to use")
}

// resolve fills configPath and section from args where the flags left them
// empty.
func (t target) resolve(args []string) (target, error) {
	if len(args) > 0 && t.configPath == "" {
		t.configPath = args[0]
		args = args[1:]
	}
	if len(args) > 0 && t.section == "" {
		t.section = args[0]
		args = args[1:]
	}
	if len(args) > 0 {
		return t, fmt.Errorf("unexpected argument %q", args[0])
	}
	if t.configPath == "" {
		return t, fmt.Errorf("config file is required (pass it as the first argument or with -c)")
	}
	if t.section == "" {
		return t, fmt.Errorf("config section is required (pass it as the second argument or with -s)")
	}
	return t, nil
}

func (t target) load() (*config.Config, error) {
	cfg, err := config.Load(t.configPath, t.section)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
