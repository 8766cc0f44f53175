package commands

import (
	"context"
	"fmt"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type ListCmd struct {
	Container string `flag:"container" help:"Container to list." required:"true"`
	Dir       string `arg:"" help:"Directory to list, the container root when empty." optional:""`
}

func (cmd *ListCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "ListCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running ListCmd")

	span.SetAttributes(
		attribute.String("container", cmd.Container),
		attribute.String("dir", cmd.Dir),
	)

	session, err := globals.openSession(ctx, nil)
	if err != nil {
		return trace.NewError(span, "failed to open session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	keys, err := session.ObjectStore().ListDirectory(ctx, cmd.Container, cmd.Dir)
	if err != nil {
		return trace.NewError(span, "failed to list directory: %w", err)
	}

	globals.Printer.Info("📂", "%d blobs in %s/%s", len(keys), cmd.Container, cmd.Dir)

	for _, key := range keys {
		fmt.Println(key) // write to stdout
	}

	return nil
}
