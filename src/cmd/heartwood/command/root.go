package command

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keepsimple1/heartwood/src/config"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for heartwood
var RootCmd = &cobra.Command{
	Use:              "heartwood",
	Short:            "heartwood repository gossip node",
	TraverseChildren: true,
}

func init() {
	RootCmd.PersistentFlags().StringP("datadir", "d", _config.DataDir, "Top-level directory for configuration and data")
	RootCmd.PersistentFlags().String("log", _config.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")

	RootCmd.AddCommand(
		NewRunCmd(),
		NewKeygenCmd(),
		NewVersionCmd(),
	)
}

// bindFlagsAndConfig merges flags, an optional heartwood.toml in the data
// directory, and environment variables into the config object. Flags take
// precedence over the file.
func bindFlagsAndConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.BindPFlags(RootCmd.PersistentFlags()); err != nil {
		return err
	}

	datadir, err := cmd.Flags().GetString("datadir")
	if err != nil {
		datadir = _config.DataDir
	}

	viper.SetConfigName("heartwood")
	viper.AddConfigPath(datadir)

	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().WithField("file", viper.ConfigFileUsed()).Debug("Reading configuration")
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		return err
	}

	return viper.Unmarshal(_config)
}
