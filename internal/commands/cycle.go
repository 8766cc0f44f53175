package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blobkit/blobkit"
	"github.com/blobkit/blobkit/internal/trace"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type CycleCmd struct {
	Container      string `flag:"container" help:"Container to run the cycles in, a unique one is created when empty."`
	KeyPrefix      string `flag:"key-prefix" help:"Prefix of the blob keys, the cycle index is appended." default:"test-blob"`
	Payload        string `flag:"payload" help:"File whose contents are written in every cycle." required:"true" type:"existingfile"`
	Iterations     int    `flag:"iterations" help:"Number of cycles to run." default:"5"`
	SkipDelete     bool   `flag:"skip-delete" help:"Only write, read and verify, without deleting each blob."`
	ConfirmDeletes bool   `flag:"confirm-deletes" help:"Poll until each delete is observed instead of probing once."`
}

func (cmd *CycleCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "CycleCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running CycleCmd")

	container := defaultContainer(cmd.Container)

	span.SetAttributes(
		attribute.String("container", container),
		attribute.String("key_prefix", cmd.KeyPrefix),
		attribute.Int("iterations", cmd.Iterations),
		attribute.Bool("skip_delete", cmd.SkipDelete),
	)

	if cmd.Iterations < 0 {
		return trace.NewError(span, "iterations must not be negative, got %d", cmd.Iterations)
	}

	payload, err := os.ReadFile(cmd.Payload)
	if err != nil {
		return trace.NewError(span, "failed to read payload: %w", err)
	}

	session, err := globals.openSession(ctx, func(cfg *blobkit.Config) {
		cfg.ConfirmDeletes = cmd.ConfirmDeletes
	})
	if err != nil {
		return trace.NewError(span, "failed to open session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	globals.Printer.Info("🔁", "Running %d cycles in container: %s (%s payload)",
		cmd.Iterations, container, humanize.Bytes(uint64(len(payload))))

	report, err := session.ObjectStore().RunCycles(ctx, container, cmd.KeyPrefix, payload, cmd.Iterations, !cmd.SkipDelete)
	if err != nil {
		return trace.NewError(span, "failed to run cycles: %w", err)
	}

	for _, result := range report.Results {
		if err := result.AsError(); err != nil {
			globals.Printer.Error("❌", "%s", err)
			continue
		}
		globals.Printer.Success("✅", "%s verified in %s", result.Handle, result.Duration)
	}

	if err := report.Cleanup.Err(); err != nil {
		globals.Printer.Warn("⚠️", "Cleanup of %s incomplete: %s", container, err)
	}

	t := summaryTable(globals.Printer).
		Row("Container", container).
		Row("Cycles", fmt.Sprintf("%d", len(report.Results))).
		Row("Matched", fmt.Sprintf("%d", report.Matched())).
		Row("Payload Size", humanize.Bytes(uint64(len(payload)))).
		Row("Blobs Deleted", fmt.Sprintf("%d", report.Cleanup.BlobsDeleted)).
		Row("Container Deleted", fmt.Sprintf("%t", report.Cleanup.ContainerDeleted)).
		Row("Duration", report.Duration.Round(time.Millisecond).String())

	globals.Printer.Info("📊", "Cycle summary:\n%s", t.Render())

	if !report.AllMatched() {
		return trace.NewError(span, "%d of %d cycles did not match", len(report.Results)-report.Matched(), len(report.Results))
	}

	return nil
}
