package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roman-kulish/listening-post/internal/waterfall"
)

const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"
)

type ImageFormat string

type Config struct {
	DBPath        string
	SessionID     uuid.UUID
	List          bool
	OutputFile    string
	Format        ImageFormat
	Width         int
	Rows          int
	Theme         waterfall.Theme
	From          *time.Time
	To            *time.Time
	TimeZone      *time.Location
	NoAnnotations bool
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

func NewConfig() *Config {
	return &Config{
		Format:   ImagePNG,
		Width:    waterfall.DefaultWidth,
		Rows:     waterfall.DefaultHeight,
		Theme:    waterfall.DefaultTheme,
		TimeZone: time.Local,
	}
}

// NewConfigFromArgs parses the command line. Times are RFC 3339.
func NewConfigFromArgs(args []string) (*Config, error) {
	c := NewConfig()
	fs := flag.NewFlagSet("wfrender", flag.ContinueOnError)

	var sessionID, imageFormat, theme, from, to, zone string
	fs.StringVar(&c.DBPath, "db", "", "Path to the database file")
	fs.BoolVar(&c.List, "list", false, "List recorded sessions and exit")
	fs.StringVar(&sessionID, "s", "", "Waterfall session ID")
	fs.StringVar(&c.OutputFile, "o", "", "Path to the output file, without extension")
	fs.StringVar(&imageFormat, "f", ImagePNG, "Output image format. [png, jpeg]")
	fs.IntVar(&c.Width, "width", c.Width, "Spectrogram width in pixels")
	fs.IntVar(&c.Rows, "rows", c.Rows, "Number of most recent rows to render")
	fs.StringVar(&theme, "theme", string(c.Theme), "Palette theme. [default, classic, grayscale, thermal]")
	fs.StringVar(&from, "from", "", "Render rows recorded at or after this time")
	fs.StringVar(&to, "to", "", "Render rows recorded at or before this time")
	fs.StringVar(&zone, "tz", "", "Time zone of the annotations, e.g. Australia/Sydney")
	fs.BoolVar(&c.NoAnnotations, "no-annotations", false, "Render the bare spectrogram without scales or trace")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if c.From, err = parseTime(from); err != nil {
		return nil, fmt.Errorf("invalid -from: %w", err)
	}
	if c.To, err = parseTime(to); err != nil {
		return nil, fmt.Errorf("invalid -to: %w", err)
	}
	if zone != "" {
		if c.TimeZone, err = time.LoadLocation(zone); err != nil {
			return nil, fmt.Errorf("invalid -tz: %w", err)
		}
	}

	imageFormat = strings.ToLower(imageFormat)
	c.Theme = waterfall.Theme(strings.ToLower(theme))

	switch {
	case c.DBPath == "":
		err = errors.New("db path is required")
	case c.List:
		return c, nil
	case sessionID == "":
		err = errors.New("session id is required")
	case c.OutputFile == "":
		err = errors.New("output file is required")
	case c.Width <= 0 || c.Rows <= 0:
		err = errors.New("width and rows must be positive")
	}
	if err == nil {
		if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
			err = fmt.Errorf("invalid image format: %s", imageFormat)
		}
	}
	if err == nil {
		if c.SessionID, err = uuid.Parse(sessionID); err != nil {
			err = fmt.Errorf("invalid session id: %w", err)
		}
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
