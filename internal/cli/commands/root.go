// Package commands implements the fhirrouter command line.
package commands

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// globalFlags are shared by every command
type globalFlags struct {
	configFile string
	noColor    bool
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "fhirrouter",
		Short: "Serve a FHIR REST API synthesized from a conformance statement",
		Long: color.CyanString(`fhirrouter - conformance-driven FHIR REST server

fhirrouter reads a conformance statement at startup and serves the REST
API it declares: one collection per resource type, routes for each
declared operation, and indexes for each declared search parameter.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file (default ./fhirrouter.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(NewServeCommand(flags))
	rootCmd.AddCommand(NewRoutesCommand(flags))
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
