package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type UploadDirCmd struct {
	Container string   `flag:"container" help:"Container to upload into." required:"true"`
	Dir       string   `flag:"dir" help:"Directory the files are stored under." required:"true"`
	Files     []string `arg:"" help:"Files to upload."`
}

func (cmd *UploadDirCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "UploadDirCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running UploadDirCmd")

	span.SetAttributes(
		attribute.String("container", cmd.Container),
		attribute.String("dir", cmd.Dir),
		attribute.Int("files", len(cmd.Files)),
	)

	session, err := globals.openSession(ctx, nil)
	if err != nil {
		return trace.NewError(span, "failed to open session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	start := time.Now()

	globals.Printer.Info("⬆️", "Uploading %d files to %s/%s", len(cmd.Files), cmd.Container, cmd.Dir)

	handles, err := session.ObjectStore().UploadToDirectory(ctx, cmd.Container, cmd.Dir, cmd.Files)

	var transferred int64
	for _, handle := range handles {
		size, _ := handle.Size()
		transferred += size
		globals.Printer.Success("✅", "%s (%s)", handle, humanize.Bytes(Int64ToUint64(size)))
	}

	if err != nil {
		globals.Printer.Error("❌", "Stopped after %d of %d files", len(handles), len(cmd.Files))
		return trace.NewError(span, "failed to upload directory: %w", err)
	}

	keys, err := session.ObjectStore().ListDirectory(ctx, cmd.Container, cmd.Dir)
	if err != nil {
		return trace.NewError(span, "failed to list directory: %w", err)
	}

	t := summaryTable(globals.Printer).
		Row("Container", cmd.Container).
		Row("Directory", cmd.Dir).
		Row("Uploaded", fmt.Sprintf("%d", len(handles))).
		Row("Listed", fmt.Sprintf("%d", len(keys))).
		Row("Transferred", humanize.Bytes(Int64ToUint64(transferred))).
		Row("Duration", time.Since(start).Round(time.Millisecond).String())

	globals.Printer.Info("📊", "Directory upload summary:\n%s", t.Render())

	return nil
}
