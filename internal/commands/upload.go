package commands

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"github.com/blobkit/blobkit"
	"github.com/blobkit/blobkit/internal/trace"
	"github.com/blobkit/blobkit/store"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type UploadCmd struct {
	Container string        `flag:"container" help:"Container to upload into, a unique one is created when empty."`
	Timeout   time.Duration `flag:"timeout" help:"Maximum time to wait for the batch, 0 waits until interrupted." default:"0"`
	Cleanup   bool          `flag:"cleanup" help:"Delete the container once every upload resolved."`
	Files     []string      `arg:"" help:"Files to upload, each is stored under its base name."`
}

func (cmd *UploadCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "UploadCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running UploadCmd")

	container := defaultContainer(cmd.Container)

	span.SetAttributes(
		attribute.String("container", container),
		attribute.Int("files", len(cmd.Files)),
		attribute.Bool("cleanup", cmd.Cleanup),
	)

	session, err := globals.openSession(ctx, func(cfg *blobkit.Config) {
		cfg.UploadTimeout = cmd.Timeout
		cfg.CleanupAfterUpload = cmd.Cleanup
	})
	if err != nil {
		return trace.NewError(span, "failed to open session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	reqs := make([]blobkit.UploadRequest, len(cmd.Files))
	for n, file := range cmd.Files {
		reqs[n] = blobkit.UploadRequest{
			Key:         filepath.Base(file),
			Payload:     store.FilePayload(file),
			ContentType: mime.TypeByExtension(filepath.Ext(file)),
		}
	}

	globals.Printer.Info("⬆️", "Uploading %d files to container: %s", len(reqs), container)

	result, err := session.Uploader().UploadBatch(ctx, container, reqs)

	var transferred int64
	for _, handle := range result.Succeeded {
		size, _ := handle.Size()
		transferred += size

		if uri := handle.PublicURI(); uri != nil {
			globals.Printer.Success("✅", "%s (%s) %s", handle, humanize.Bytes(Int64ToUint64(size)), uri)
			continue
		}
		globals.Printer.Success("✅", "%s (%s)", handle, humanize.Bytes(Int64ToUint64(size)))
	}
	for _, failed := range result.Failed {
		globals.Printer.Error("❌", "%s: %s", failed.Handle, failed.Err)
	}
	for _, handle := range result.Pending {
		globals.Printer.Warn("⏳", "%s still pending", handle)
	}

	cleanup := "skipped"
	if result.Cleanup != nil {
		cleanup = fmt.Sprintf("%d blobs, container deleted: %t", result.Cleanup.BlobsDeleted, result.Cleanup.ContainerDeleted)
		if cerr := result.Cleanup.Err(); cerr != nil {
			globals.Printer.Warn("⚠️", "Cleanup of %s incomplete: %s", container, cerr)
		}
	}

	t := summaryTable(globals.Printer).
		Row("Container", container).
		Row("Succeeded", fmt.Sprintf("%d", len(result.Succeeded))).
		Row("Failed", fmt.Sprintf("%d", len(result.Failed))).
		Row("Pending", fmt.Sprintf("%d", len(result.Pending))).
		Row("Transferred", humanize.Bytes(Int64ToUint64(transferred))).
		Row("Cleanup", cleanup).
		Row("Duration", result.Duration.Round(time.Millisecond).String())

	globals.Printer.Info("📊", "Upload summary:\n%s", t.Render())

	if err != nil {
		return trace.NewError(span, "upload failed: %w", err)
	}

	return nil
}
