package commands

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type PublishCmd struct {
	Container   string `flag:"container" help:"Container to publish into." required:"true"`
	Key         string `flag:"key" help:"Key of the blob, defaults to the file name."`
	ContentType string `flag:"content-type" help:"Content type of the blob, guessed from the file extension when empty."`
	File        string `arg:"" help:"File to publish." type:"existingfile"`
}

func (cmd *PublishCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "PublishCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running PublishCmd")

	key := cmd.Key
	if key == "" {
		key = filepath.Base(cmd.File)
	}

	contentType := cmd.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(cmd.File))
	}

	span.SetAttributes(
		attribute.String("container", cmd.Container),
		attribute.String("key", key),
		attribute.String("content_type", contentType),
	)

	payload, err := os.ReadFile(cmd.File)
	if err != nil {
		return trace.NewError(span, "failed to read file: %w", err)
	}

	session, err := globals.openSession(ctx, nil)
	if err != nil {
		return trace.NewError(span, "failed to open session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	globals.Printer.Info("📤", "Publishing %s to %s/%s", humanize.Bytes(uint64(len(payload))), cmd.Container, key)

	handle, err := session.ObjectStore().Publish(ctx, cmd.Container, key, payload, contentType)
	if err != nil {
		return trace.NewError(span, "failed to publish: %w", err)
	}

	size, _ := handle.Size()

	uri := "unavailable"
	if handle.PublicURI() != nil {
		uri = handle.PublicURI().String()
	}

	t := summaryTable(globals.Printer).
		Row("Blob", handle.String()).
		Row("Content Type", handle.ContentType()).
		Row("Size", humanize.Bytes(Int64ToUint64(size))).
		Row("Public URI", uri)

	globals.Printer.Info("📊", "Publish summary:\n%s", t.Render())

	if handle.PublicURI() != nil {
		fmt.Println(uri) // write to stdout
	}

	return nil
}
