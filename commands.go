package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"

	"murmur/audio"
	"murmur/clipboard"
	"murmur/doctor"
	"murmur/encoder"
	"murmur/hotkey"
	"murmur/log"
	"murmur/outbox"
	"murmur/playback"
	"murmur/recorder"
	"murmur/shutdown"
	"murmur/transcriber"
)

const latchBelow = 350 * time.Millisecond

func recordCmd() *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "Run the recorder UI (default command)",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-hotkey", Usage: "do not register the global " + hotkey.Combo + " hotkey"},
			&cli.StringFlag{Name: "reply-to", Usage: "message ID the drafts reply to"},
			&cli.StringSliceFlag{Name: "attach", Usage: "attachment reference carried by the next draft (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			actx, err := audio.NewContext()
			if err != nil {
				log.Errorf("audio context init error: %v", err)
				return cli.Exit(fmt.Sprintf("initializing audio: %v", err), 1)
			}
			defer actx.Close()

			p, err := newPipeline(cfg, actx, nil, nil)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer p.Close()
			if id := c.String("reply-to"); id != "" {
				p.orch.SetReply(id)
			}
			for _, ref := range c.StringSlice("attach") {
				p.orch.AddAttachment(ref)
			}

			preview := playback.New(actx, nil)
			defer preview.Close()

			prog := tea.NewProgram(newTUIModel(p.orch, preview, cfg.Transcription.Provider, p.deviceName()), tea.WithAltScreen())

			ctx, stop := shutdown.Context(c.Context)
			defer stop()
			go func() {
				<-ctx.Done()
				prog.Quit()
			}()

			states, unsubscribe := p.orch.Subscribe()
			defer unsubscribe()
			go func() {
				for st := range states {
					prog.Send(stateMsg(st))
				}
			}()
			go func() {
				for ev := range preview.Events() {
					prog.Send(playbackMsg(ev))
				}
			}()

			if !c.Bool("no-hotkey") {
				hk := hotkey.New()
				if err := hk.Register(); err != nil {
					log.Warnf("hotkey register error: %v", err)
					go prog.Send(statusMsg("hotkey unavailable: " + err.Error()))
				} else {
					defer hk.Unregister()
					g := hotkey.NewGesture(hk, latchBelow)
					defer g.Close()
					go driveGesture(ctx, g, p.orch)
				}
			}

			if _, err := prog.Run(); err != nil {
				log.Errorf("TUI error: %v", err)
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

type holdReleaser interface {
	StartHold() error
	Release() error
}

// driveGesture maps the global hotkey onto hold and release intents.
func driveGesture(ctx context.Context, g *hotkey.Gesture, o holdReleaser) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-g.Events():
			var err error
			if ev.Kind == hotkey.GestureHold {
				err = o.StartHold()
			} else {
				err = o.Release()
			}
			if err != nil {
				log.Infof("hotkey %s ignored: %v", ev.Kind, err)
			}
		}
	}
}

func transcribeCmd() *cli.Command {
	return &cli.Command{
		Name:      "transcribe",
		Usage:     "Transcribe a recorded FLAC or WAV file",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: murmur transcribe <file>", 1)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			var vocab *transcriber.Vocabulary
			if cfg.Transcription.VocabularyFile != "" {
				vocab = transcriber.NewVocabulary(cfg.Transcription.VocabularyFile)
			}
			factory := transcriber.NewFactory(cfg.Transcription.Provider, cfg.Transcription.APIKey())
			eng := transcriber.NewEngine(nil, audio.NewStaticPermission(audio.PermissionGranted, true), factory, vocab,
				transcriber.EngineConfig{Language: cfg.Transcription.Language})

			ctx, stop := shutdown.Context(c.Context)
			defer stop()
			text, err := eng.TranscribeFile(ctx, c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if text == "" {
				fmt.Fprintln(c.App.Writer, "(no speech detected)")
				return nil
			}
			fmt.Fprintln(c.App.Writer, text)
			return nil
		},
	}
}

func playCmd() *cli.Command {
	return &cli.Command{
		Name:      "play",
		Usage:     "Play a recording by file path or draft ID",
		ArgsUsage: "<file|draft-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: murmur play <file|draft-id>", 1)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			path, err := resolveRecording(c.Context, cfg.Storage.DataDir, c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			actx, err := audio.NewContext()
			if err != nil {
				return cli.Exit(fmt.Sprintf("initializing audio: %v", err), 1)
			}
			defer actx.Close()

			ctx, stop := shutdown.Context(c.Context)
			defer stop()
			if err := playToEnd(ctx, actx, path, c.App.Writer); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

// resolveRecording accepts an existing file or the ID of a stored voice
// draft.
func resolveRecording(ctx context.Context, dataDir, arg string) (string, error) {
	if _, err := os.Stat(arg); err == nil {
		return arg, nil
	}
	store, err := outbox.Open(dataDir, nil)
	if err != nil {
		return "", err
	}
	defer store.Close()
	d, err := store.Get(ctx, arg)
	if err != nil {
		return "", err
	}
	if !d.Voice() {
		return "", fmt.Errorf("draft %s has no audio", d.ID)
	}
	return d.AudioPath, nil
}

// playToEnd plays path and prints progress until it ends or ctx is done.
func playToEnd(ctx context.Context, actx audio.Context, path string, w io.Writer) error {
	ctl := playback.New(actx, playback.NewCoordinator())
	defer ctl.Close()

	ctl.Play(path)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return nil
		case ev, ok := <-ctl.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case playback.EventProgress:
				fmt.Fprintf(w, "\r▶ %s / -%s ", formatClock(ev.Position), formatClock(ev.Remaining))
			case playback.EventPlayedToEnd:
				fmt.Fprintf(w, "\r■ %s played\n", filepath.Base(path))
				return nil
			case playback.EventError:
				fmt.Fprintln(w)
				return ev.Err
			}
		}
	}
}

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List input devices",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "pick", Usage: "choose a device interactively and print its name"},
		},
		Action: func(c *cli.Context) error {
			actx, err := audio.NewContext()
			if err != nil {
				return cli.Exit(fmt.Sprintf("initializing audio: %v", err), 1)
			}
			defer actx.Close()

			if c.Bool("pick") {
				dev, err := audio.SelectDevice(actx)
				if errors.Is(err, audio.ErrSelectionCancelled) {
					return nil
				}
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				fmt.Fprintf(c.App.Writer, "%s\n\nUse it with: MURMUR_DEVICE=%q murmur\n", dev.Name, dev.Name)
				return nil
			}

			devices, err := actx.Devices()
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return listDevices(c.App.Writer, devices)
		},
	}
}

func listDevices(w io.Writer, devices []audio.DeviceInfo) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "no input devices found")
		return err
	}
	for _, d := range devices {
		tag := ""
		if audio.IsBluetooth(d.Name) {
			tag = "  [bluetooth: lower audio quality]"
		}
		if _, err := fmt.Fprintf(w, "%s%s\n", d.Name, tag); err != nil {
			return err
		}
	}
	if msg, err := hotkey.Diagnose(); err != nil {
		fmt.Fprintf(w, "\nhotkey: %v\n", err)
	} else {
		fmt.Fprintf(w, "\nhotkey: %s\n", msg)
	}
	return nil
}

func draftsCmd() *cli.Command {
	return &cli.Command{
		Name:  "drafts",
		Usage: "List drafts waiting in the outbox",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "pending", Usage: "only drafts not yet delivered"},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum number of drafts"},
		},
		Action: func(c *cli.Context) error {
			return withStore(c, func(store *outbox.Store) error {
				drafts, err := store.List(c.Context, outbox.ListOptions{
					Pending: c.Bool("pending"),
					Limit:   c.Int("limit"),
				})
				if err != nil {
					return err
				}
				printDrafts(c.App.Writer, drafts)
				return nil
			})
		},
		Subcommands: []*cli.Command{
			{
				Name:      "delivered",
				Usage:     "Mark drafts as picked up by the chat",
				ArgsUsage: "<id>...",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("usage: murmur drafts delivered <id>...", 1)
					}
					return withStore(c, func(store *outbox.Store) error {
						for _, id := range c.Args().Slice() {
							if err := store.MarkDelivered(c.Context, id); err != nil {
								return err
							}
						}
						return nil
					})
				},
			},
		},
	}
}

func withStore(c *cli.Context, fn func(*outbox.Store) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	store, err := outbox.Open(cfg.Storage.DataDir, nil)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer store.Close()
	if err := fn(store); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func printDrafts(w io.Writer, drafts []outbox.Draft) {
	if len(drafts) == 0 {
		fmt.Fprintln(w, "no drafts")
		return
	}
	for _, d := range drafts {
		status := "pending"
		if d.Delivered() {
			status = "delivered"
		}
		body := d.Text
		if d.Voice() {
			body = fmt.Sprintf("voice %s", formatClock(d.Duration))
			if d.AudioURL != "" {
				body += " " + d.AudioURL
			}
		}
		if d.ReplyTo != "" {
			body = "↩ " + d.ReplyTo + " " + body
		}
		if len(d.Attachments) > 0 {
			body += fmt.Sprintf(" [+%d: %s]", len(d.Attachments), strings.Join(d.Attachments, ", "))
		}
		fmt.Fprintf(w, "%s  %s  %-9s %s\n", d.ID, d.CreatedAt.Format("2006-01-02 15:04"), status, body)
	}
}

func doctorCmd() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check the hotkey, microphone, recognizer, clipboard and draft store",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "record", Value: 3 * time.Second, Usage: "length of the test recording"},
			&cli.BoolFlag{Name: "no-hotkey", Usage: "skip the hotkey check"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			actx, err := audio.NewContext()
			if err != nil {
				return cli.Exit(fmt.Sprintf("initializing audio: %v", err), 1)
			}
			defer actx.Close()
			device, err := audio.FindDevice(actx, cfg.Capture.Device)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			perm := audio.NewProbePermission(actx, device, audio.CaptureConfig{
				SampleRate: encoder.SampleRate,
				Channels:   encoder.Channels,
			})
			rec := recorder.New(actx, perm, recorder.Config{Dir: cfg.Storage.RecordingsDir, Device: device})
			var eng *transcriber.Engine
			if key := cfg.Transcription.APIKey(); key != "" {
				eng = transcriber.NewEngine(actx, perm, transcriber.NewFactory(cfg.Transcription.Provider, key), nil,
					transcriber.EngineConfig{Language: cfg.Transcription.Language})
			} else {
				fmt.Fprintf(c.App.Writer, "no %s API key set, transcription will not be checked\n", cfg.Transcription.Provider)
			}
			var uploader *outbox.S3Uploader
			if cfg.Upload.Enabled() {
				uploader = outbox.NewS3Uploader(s3Config(cfg.Upload))
			}

			checks := []doctor.Check{}
			if !c.Bool("no-hotkey") {
				checks = append(checks, doctor.Hotkey(hotkey.New(), 10*time.Second))
			}
			checks = append(checks,
				doctor.Microphone(rec, eng, c.Duration("record")),
				doctor.Clipboard(clipboard.Read, clipboard.Copy),
				doctor.Store(cfg.Storage.DataDir),
				doctor.Upload(uploader),
			)

			ctx, stop := shutdown.Context(c.Context)
			defer stop()
			if !doctor.Run(ctx, c.App.Writer, checks...) {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}
