package commands

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/blobkit/blobkit"
	"github.com/blobkit/blobkit/internal/console"
	"github.com/blobkit/blobkit/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type CommonFlags struct {
	Store          string        `flag:"store" help:"The store used to read and write blobs." enum:"local_file,s3,gocloud" default:"gocloud" env:"BLOBKIT_STORE"`
	BucketURL      string        `flag:"bucket-url" help:"The bucket URL to use, for example file:///tmp/blobs, s3://namespace or mem://." env:"BLOBKIT_BUCKET_URL"`
	Compress       bool          `flag:"compress" help:"Store blobs zstd compressed." env:"BLOBKIT_COMPRESS"`
	MaxConcurrency int64         `flag:"max-concurrency" help:"Maximum number of uploads in flight, 0 is unbounded." default:"0" env:"BLOBKIT_MAX_CONCURRENCY"`
	PollInterval   time.Duration `flag:"poll-interval" help:"Interval between visibility probes." default:"500ms" env:"BLOBKIT_POLL_INTERVAL"`
	MaxAttempts    int           `flag:"max-attempts" help:"Maximum number of visibility probes." default:"10" env:"BLOBKIT_MAX_ATTEMPTS"`
}

type Globals struct {
	Debug   bool
	Version string
	Printer *console.Printer
	Common  CommonFlags

	// Open builds the session for a command. It defaults to blobkit.Open.
	Open func(ctx context.Context, cfg blobkit.Config) (*blobkit.Session, error)
}

// openSession validates the common flags and opens a session, with overrides applied to
// the config before it is used.
func (g *Globals) openSession(ctx context.Context, overrides func(*blobkit.Config)) (*blobkit.Session, error) {
	if err := validateStore(g.Common.Store, g.Common); err != nil {
		return nil, err
	}

	cfg := blobkit.Config{
		Store:          g.Common.Store,
		BucketURL:      g.Common.BucketURL,
		Compress:       g.Common.Compress,
		MaxConcurrency: g.Common.MaxConcurrency,
		PollInterval:   g.Common.PollInterval,
		MaxAttempts:    g.Common.MaxAttempts,
	}
	if g.Debug {
		cfg.OnProgress = logProgress
	}
	if overrides != nil {
		overrides(&cfg)
	}

	open := g.Open
	if open == nil {
		open = blobkit.Open
	}

	return open(ctx, cfg)
}

// validateStore checks the bucket URL scheme fits the selected store.
func validateStore(storeType string, common CommonFlags) error {
	if !store.IsValidStore(storeType) {
		return fmt.Errorf("unsupported store: %s", storeType)
	}

	if common.BucketURL == "" {
		return fmt.Errorf("bucket URL is required, set --bucket-url or BLOBKIT_BUCKET_URL")
	}

	switch storeType {
	case store.LocalFileStore:
		if !strings.HasPrefix(common.BucketURL, "file://") {
			return fmt.Errorf("bucket URL for local_file store must start with 'file://'")
		}
	case store.S3Store:
		if !strings.HasPrefix(common.BucketURL, "s3://") {
			return fmt.Errorf("bucket URL for s3 store must start with 's3://'")
		}
	}

	return nil
}

func logProgress(stage string, message string, current int, total int) {
	log.Debug().Str("stage", stage).Int("current", current).Int("total", total).Msg(message)
}

// defaultContainer returns name, or a fresh unique container name when it is empty.
func defaultContainer(name string) string {
	if name != "" {
		return name
	}
	return "blobkit-" + uuid.NewString()
}

// summaryTable builds a two column table in the printer's color profile.
func summaryTable(printer *console.Printer) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(printer.Renderer().NewStyle())
}

// Int64ToUint64 converts an int64 to uint64, handling negative values and max int64
func Int64ToUint64(x int64) uint64 {
	if x < 0 {
		return 0
	}
	if x == math.MaxInt64 {
		return math.MaxUint64
	}
	return uint64(x)
}
