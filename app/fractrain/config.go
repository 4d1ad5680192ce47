package main

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fractrain/go-fractrain/training"
)

const envPrefix = "FRACTRAIN"

// bindFlags binds flag names of a flag set to config keys; an unchanged flag
// leaves the file and environment values alone
func bindFlags(cmd *cobra.Command, persistent bool, keys map[string]string) {
	flags := cmd.Flags()
	if persistent {
		flags = cmd.PersistentFlags()
	}
	for name, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// loadConfig layers the defaults, the config file, FRACTRAIN_* environment
// variables and explicitly set flags, in increasing priority
func loadConfig(vp *viper.Viper, path string) (training.Config, error) {
	defaults, err := training.DefaultConfig().YAML()
	if err != nil {
		return training.Config{}, err
	}
	vp.SetConfigType("yaml")
	if err := vp.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return training.Config{}, errors.Wrap(err, "failed to load defaults")
	}

	if path != "" {
		vp.SetConfigFile(path)
		if err := vp.MergeInConfig(); err != nil {
			return training.Config{}, errors.Wrapf(err, "failed to read config %s", path)
		}
	}

	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vp.AutomaticEnv()

	var cfg training.Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return training.Config{}, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return training.Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}
