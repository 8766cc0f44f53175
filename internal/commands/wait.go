package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/blobkit/blobkit/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type WaitCmd struct {
	Container string        `flag:"container" help:"Container holding the blob." required:"true"`
	Key       string        `flag:"key" help:"Key of the blob." required:"true"`
	Interval  time.Duration `flag:"interval" help:"Interval between probes, defaults to --poll-interval."`
	Attempts  int           `flag:"attempts" help:"Maximum number of probes, defaults to --max-attempts."`
	Deleted   bool          `flag:"deleted" help:"Wait for the blob to disappear instead of appear."`
}

func (cmd *WaitCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "WaitCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running WaitCmd")

	interval := cmd.Interval
	if interval == 0 {
		interval = globals.Common.PollInterval
	}
	attempts := cmd.Attempts
	if attempts == 0 {
		attempts = globals.Common.MaxAttempts
	}

	span.SetAttributes(
		attribute.String("container", cmd.Container),
		attribute.String("key", cmd.Key),
		attribute.Bool("deleted", cmd.Deleted),
	)

	session, err := globals.openSession(ctx, nil)
	if err != nil {
		return trace.NewError(span, "failed to open session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	globals.Printer.Info("⏳", "Waiting for %s/%s (every %s, up to %d attempts)", cmd.Container, cmd.Key, interval, attempts)

	waiter := session.Waiter()
	await := waiter.AwaitVisible
	if cmd.Deleted {
		await = waiter.AwaitDeleted
	}

	result, err := await(ctx, cmd.Container, cmd.Key, interval, attempts)
	if err != nil {
		return trace.NewError(span, "failed to wait: %w", err)
	}

	t := summaryTable(globals.Printer).
		Row("Blob", fmt.Sprintf("%s/%s", cmd.Container, cmd.Key)).
		Row("Outcome", result.Outcome.String()).
		Row("Attempts", fmt.Sprintf("%d", result.Attempts)).
		Row("Elapsed", result.Elapsed.Round(time.Millisecond).String())

	globals.Printer.Info("📊", "Wait summary:\n%s", t.Render())

	if err := result.Err(); err != nil {
		return trace.NewError(span, "blob did not reach the wanted state: %w", err)
	}

	globals.Printer.Success("✅", "%s/%s is %s", cmd.Container, cmd.Key, result.Outcome)

	return nil
}
