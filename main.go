package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"murmur/config"
	"murmur/log"
)

// version is set via -ldflags at build time.
var version = "dev"

func run() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		log.Close()
		os.Exit(1)
	}
	log.Close()
}

func newApp() *cli.App {
	app := &cli.App{
		Name:    "murmur",
		Usage:   "Hold to record a voice message, drag to cancel or convert it to text",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "logpath", Usage: "log directory (default: OS-specific location, use ./ for current dir)"},
			&cli.StringFlag{Name: "provider", Aliases: []string{"p"}, Usage: "recognizer: deepgram, groq or openai"},
			&cli.StringFlag{Name: "lang", Aliases: []string{"l"}, Usage: "language code (e.g. en, es-ES). Empty = auto-detect where supported"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "capture mode: stream or simple"},
			&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Usage: "input device name or ID"},
			&cli.StringFlag{Name: "vocab", Usage: "custom vocabulary file, one phrase per line"},
			&cli.StringFlag{Name: "data-dir", Usage: "directory for the draft store"},
			&cli.BoolFlag{Name: "auto-stop", Usage: "stop recording at the first silence and show the transcript"},
		},
		Before: func(c *cli.Context) error {
			logPath, err := log.ResolveDir(c.String("logpath"))
			if err != nil {
				return fmt.Errorf("failed to resolve log directory: %w", err)
			}
			log.SetDir(logPath)
			initCrashLog()
			if err := log.Init(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
			}
			return nil
		},
		Commands: []*cli.Command{
			recordCmd(),
			testCmd(),
			transcribeCmd(),
			playCmd(),
			devicesCmd(),
			draftsCmd(),
			doctorCmd(),
		},
	}
	app.Action = recordCmd().Action
	return app
}

// loadConfig resolves the environment and applies global flags on top.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if v := c.String("provider"); v != "" {
		cfg.Transcription.Provider = v
	}
	if c.IsSet("lang") {
		cfg.Transcription.Language = c.String("lang")
	}
	if v := c.String("mode"); v != "" {
		cfg.Transcription.Mode = v
	}
	if v := c.String("device"); v != "" {
		cfg.Capture.Device = v
	}
	if v := c.String("vocab"); v != "" {
		cfg.Transcription.VocabularyFile = v
	}
	if v := c.String("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}
	if c.IsSet("auto-stop") {
		cfg.Capture.AutoStopOnSilence = c.Bool("auto-stop")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
