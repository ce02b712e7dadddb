package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arvela/insight-go/cmd/reset"
	"github.com/arvela/insight-go/cmd/serve"
	"github.com/arvela/insight-go/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "insight",
		Short: "Media library intelligence service",
		Long:  "Reconciles media library changes into ML intelligence: face detection, embeddings and similarity indexes.",
	}

	setupFlags(rootCmd, settings)

	subcommands := []*cobra.Command{
		serve.Command(settings),
		reset.Command(settings),
	}
	rootCmd.AddCommand(subcommands...)

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		cobra.CheckErr(err)
	}
}
