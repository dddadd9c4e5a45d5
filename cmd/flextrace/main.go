// flextrace samples hardware and software performance counters and function
// probes per process and prints the resulting profile.
package main

import (
	"context"
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/mrzor/flextrace/internal/config"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// CLI is the root command.
type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Sample counters and probes until interrupted."`
	List     ListCmd     `cmd:"" help:"List the event catalogue."`
	Simulate SimulateCmd `cmd:"" help:"Drive the user-space pipeline with synthetic samples."`
}

func main() {
	var cli CLI
	ctx := context.Background()

	kctx := kong.Parse(&cli,
		kong.Name("flextrace"),
		kong.Description("Per-process performance counter and function probe profiler."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Vars{
			"version":             fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
			"default_config_path": config.DefaultConfigPath,
		},
	)

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}
