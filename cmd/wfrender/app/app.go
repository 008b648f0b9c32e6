package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/storage"
	"github.com/roman-kulish/listening-post/internal/waterfall"
)

const jpegQuality = 98

var ErrNoRows = errors.New("no waterfall rows recorded for the session")

// Run renders a recorded waterfall session to an image, or lists the recorded
// sessions to out when config.List is set.
func Run(ctx context.Context, config *Config, out io.Writer, logger *zap.Logger) (err error) {
	if _, err = os.Stat(config.DBPath); err != nil {
		return fmt.Errorf("database file '%s': %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer func() {
		if cErr := store.Close(); cErr != nil {
			logger.Warn("closing storage", zap.Error(cErr))
		}
	}()

	if config.List {
		return listSessions(ctx, store, out)
	}

	snapshot, err := replay(ctx, store, config)
	if err != nil {
		return err
	}

	logger.Info("rendering waterfall",
		zap.Stringer("session", config.SessionID),
		zap.Int("rows", snapshot.Rows),
		zap.Time("from", snapshot.From),
		zap.Time("to", snapshot.To))

	img := image.Image(snapshot.Raster)
	if !config.NoAnnotations {
		renderer, err := waterfall.NewRenderer(waterfall.RenderConfig{Location: config.TimeZone})
		if err != nil {
			return fmt.Errorf("creating renderer: %w", err)
		}
		if img, err = renderer.Render(snapshot); err != nil {
			return fmt.Errorf("rendering: %w", err)
		}
	}

	f, err := os.Create(config.OutputFile)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing output file: %w", cErr)
		}
	}()

	if err = encode(f, img, config.Format); err != nil {
		return err
	}

	logger.Info("waterfall saved", zap.String("file", config.OutputFile))
	return nil
}

// replay feeds the stored rows of a session through a fresh pipeline, oldest
// first, so the newest row ends up on top as it did live.
func replay(ctx context.Context, store *storage.SqliteStore, config *Config) (waterfall.Snapshot, error) {
	session, err := store.Session(ctx, config.SessionID)
	if err != nil {
		return waterfall.Snapshot{}, fmt.Errorf("reading session: %w", err)
	}
	if session.Purpose != string(device.PurposeWaterfall) {
		return waterfall.Snapshot{}, fmt.Errorf("session %s is a %s session", session.ID, session.Purpose)
	}

	pipeline, err := waterfall.NewPipeline(waterfall.Config{
		Width:            config.Width,
		Height:           config.Rows,
		MaxRowsPerSecond: waterfall.DefaultMaxRowsPerSecond,
		Theme:            config.Theme,
	})
	if err != nil {
		return waterfall.Snapshot{}, fmt.Errorf("creating pipeline: %w", err)
	}

	opts := []storage.ReaderOption{storage.WithLimit(config.Rows)}
	if config.From != nil {
		opts = append(opts, storage.WithStartTime(*config.From))
	}
	if config.To != nil {
		opts = append(opts, storage.WithEndTime(*config.To))
	}

	it, err := store.ReadWaterfall(ctx, config.SessionID, opts...)
	if err != nil {
		return waterfall.Snapshot{}, err
	}
	defer func() { _ = it.Close() }()

	for it.Next() {
		pipeline.Render(it.Current())
	}
	if err = it.Err(); err != nil {
		return waterfall.Snapshot{}, fmt.Errorf("reading rows: %w", err)
	}

	snapshot := pipeline.Snapshot()
	if snapshot.Rows == 0 {
		return waterfall.Snapshot{}, ErrNoRows
	}
	return snapshot, nil
}

func listSessions(ctx context.Context, store *storage.SqliteStore, out io.Writer) error {
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tPURPOSE\tDEVICE\tSTARTED\tDURATION\tERROR")
	for _, s := range sessions {
		duration := "running"
		if s.EndTime != nil {
			duration = s.EndTime.Sub(s.StartTime).Round(time.Second).String()
		}
		cause := "-"
		if s.Error != nil {
			cause = *s.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Purpose, s.DeviceID, humanize.Time(s.StartTime), duration, cause)
	}
	return tw.Flush()
}

func encode(w io.Writer, img image.Image, format ImageFormat) error {
	var err error
	switch format {
	case ImagePNG:
		err = png.Encode(w, img)
	case ImageJPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	default:
		return fmt.Errorf("unsupported image format: %s", format)
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", format, err)
	}
	return nil
}
