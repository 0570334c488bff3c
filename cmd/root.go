// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfga/authzconn/internal/build"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with AUTHZED, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("AUTHZED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/authzconn", "$HOME/.authzconn", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	rootCmd := &cobra.Command{
		Use:   build.ProjectName,
		Short: "A command line client for a relationship-based authorization service",
		Long: `A command line client for a relationship-based authorization service.

Every command talks to the service through one managed connection, configured by flags,
AUTHZED_* environment variables or a config.yaml file.`,
		SilenceUsage:      true,
		PersistentPreRunE: readConfig,
	}

	bindConnectionFlags(rootCmd)

	return rootCmd
}

// readConfig loads config.yaml if one exists. A missing file is not an error.
func readConfig(_ *cobra.Command, _ []string) error {
	err := viper.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}
