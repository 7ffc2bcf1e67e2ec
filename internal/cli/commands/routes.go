package commands

import (
	"strconv"

	"github.com/conduit-lang/fhirrouter/internal/cli/ui"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRoutesCommand creates the routes command
func NewRoutesCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the routes the conformance statement compiles to",
		Long: `Compile the conformance statement against an in-memory store and print
the resulting route table. No database is contacted.

Examples:
  fhirrouter routes --conformance conformance.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoutes(cmd, flags)
		},
	}
	addAppFlags(cmd)
	return cmd
}

func runRoutes(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := loadConfig(flags, cmd.Flags())
	if err != nil {
		ui.ConfigError(err.Error(), color.NoColor).Write(cmd.ErrOrStderr())
		return err
	}
	cfg.Cache.Driver = "none"
	cfg.Limit.Driver = "none"

	a, err := buildApp(cmd.Context(), cfg, zap.NewNop(), store.Descriptor{Driver: "memory"})
	if err != nil {
		reportCompileError(cmd.ErrOrStderr(), err, a)
		return err
	}
	defer a.close()

	table := ui.NewTable(cmd.OutOrStdout(), color.NoColor, "METHOD", "PATH", "NAME", "MIDDLEWARE")
	table.ColorColumn(0, ui.MethodColor)
	for _, info := range a.router.GetRoutes() {
		table.AddRow(info.Method, info.Pattern, info.Name, strconv.Itoa(info.Middleware))
	}
	table.Render()
	return nil
}
