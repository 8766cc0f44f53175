package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/blobkit/blobkit/internal/commands"
	"github.com/blobkit/blobkit/internal/console"
	"github.com/blobkit/blobkit/internal/trace"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	version           = "dev"
	defaultConfigPath = ".blobkit.yaml"

	cli struct {
		Version       kong.VersionFlag
		Debug         bool            `help:"Enable debug mode." default:"false" env:"BLOBKIT_DEBUG"`
		NoColor       bool            `flag:"no-color" help:"Disable colored output." env:"BLOBKIT_NO_COLOR"`
		TraceExporter string          `flag:"trace-exporter" help:"The trace exporter to use. Defaults to 'noop'." default:"noop" enum:"noop,grpc" env:"BLOBKIT_TRACE_EXPORTER"`
		Config        kong.ConfigFlag `flag:"config" help:"The path to the configuration file. Defaults to .blobkit.yaml" default:"${default_config_path}" env:"BLOBKIT_CONFIG"`

		commands.CommonFlags

		Cycle     commands.CycleCmd     `cmd:"" help:"run write, read and delete cycles."`
		Upload    commands.UploadCmd    `cmd:"" help:"upload files concurrently."`
		Publish   commands.PublishCmd   `cmd:"" help:"publish a file and print its public URI."`
		Ls        commands.ListCmd      `cmd:"" help:"list the blobs in a directory."`
		UploadDir commands.UploadDirCmd `cmd:"" name:"upload-dir" help:"upload files into a directory."`
		Wait      commands.WaitCmd      `cmd:"" help:"wait for a blob to become visible or disappear."`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Overloads `cli` with configuration file values.
	cmd := kong.Parse(&cli,
		kong.Vars{"version": version, "default_config_path": defaultConfigPath},
		kong.NamedMapper("yamlfile", kongyaml.YAMLFileMapper),
		kong.Configuration(kongyaml.Loader),
		kong.BindTo(ctx, (*context.Context)(nil)))

	err := Run(ctx, cmd)
	cmd.FatalIfErrorf(err)
}

func Run(ctx context.Context, cmd *kong.Context) error {
	start := time.Now()

	tp, err := trace.NewProvider(ctx, cli.TraceExporter, "github.com/blobkit/blobkit", version)
	if err != nil {
		return fmt.Errorf("failed to create trace provider: %w", err)
	}
	defer func() {
		_ = tp.Shutdown(context.WithoutCancel(ctx))
	}()

	printer := console.NewPrinter(os.Stderr, cli.NoColor)

	if cli.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: cli.NoColor}).Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: cli.NoColor}).Level(zerolog.ErrorLevel)
	}

	err = cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version, Printer: printer, Common: cli.CommonFlags})
	if err != nil {
		return fmt.Errorf("command %s failed: %w", cmd.Command(), err)
	}

	printer.Info("✅", "%s completed successfully in %s", cmd.Command(), time.Since(start).String())

	return nil
}
