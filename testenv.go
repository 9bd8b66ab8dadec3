package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"murmur/audio"
	"murmur/orchestrator"
	"murmur/transcriber"
)

const defaultWaitTimeout = 10 * time.Second

func testCmd() *cli.Command {
	return &cli.Command{
		Name:      "test",
		Usage:     "Headless mode: replay a WAV file as the microphone and read commands from stdin",
		ArgsUsage: "<wav-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "transcript", Usage: "answer every recognition with this text instead of calling the provider"},
			&cli.BoolFlag{Name: "realtime", Value: true, Usage: "feed the WAV at its natural rate"},
			&cli.BoolFlag{Name: "pad", Value: true, Usage: "keep delivering silence after the WAV ends"},
			&cli.BoolFlag{Name: "deny", Usage: "answer the microphone consent prompt with no"},
			&cli.DurationFlag{Name: "wait-timeout", Value: defaultWaitTimeout, Usage: "how long WAIT blocks before failing"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: murmur test <wav-file>", 1)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			fake, err := audio.NewFakeContext(c.Args().First(), c.Bool("realtime"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("loading WAV: %v", err), 1)
			}
			fake.PadSilence = c.Bool("pad")
			perm := audio.NewStaticPermission(audio.PermissionUndetermined, !c.Bool("deny"))

			var factory transcriber.Factory
			if c.IsSet("transcript") {
				factory = scriptedRecognizer(cfg.Transcription.Language, c.String("transcript")).Factory()
			}

			p, err := newPipeline(cfg, fake, perm, factory)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer p.Close()

			d := newDriver(p.orch, c.App.Writer)
			d.timeout = c.Duration("wait-timeout")
			if err := d.run(c.Context, os.Stdin); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func scriptedRecognizer(lang, text string) *transcriber.FakeRecognizer {
	fr := transcriber.NewFakeRecognizer(lang, transcriber.FakeStep{
		Delay:  20 * time.Millisecond,
		Update: transcriber.StreamUpdate{Transcript: text, IsFinal: true, SpeechFinal: true},
	})
	fr.FileText = text
	return fr
}

// session is what the driver needs from the orchestrator.
type session interface {
	controls
	State() orchestrator.State
	Subscribe() (<-chan orchestrator.State, func())
	SetReply(id string)
	AddAttachment(ref string)
}

type driverCommand struct {
	verb string
	arg  string
}

var errQuit = errors.New("quit")

// parseCommand splits "VERB rest of line". Blank lines and # comments
// parse to an empty verb.
func parseCommand(line string) driverCommand {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return driverCommand{}
	}
	verb, arg, _ := strings.Cut(line, " ")
	return driverCommand{verb: strings.ToUpper(verb), arg: strings.TrimSpace(arg)}
}

// driver applies stdin commands to a session and prints one line per
// observable change.
type driver struct {
	s       session
	timeout time.Duration

	mu sync.Mutex
	w  io.Writer
}

func newDriver(s session, w io.Writer) *driver {
	return &driver{s: s, w: w, timeout: defaultWaitTimeout}
}

func (d *driver) printf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.w, format+"\n", args...)
}

func (d *driver) run(ctx context.Context, r io.Reader) error {
	states, unsubscribe := d.s.Subscribe()
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		d.watch(states)
	}()
	defer func() {
		unsubscribe()
		<-watched
	}()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		cmd := parseCommand(scanner.Text())
		if cmd.verb == "" {
			continue
		}
		err := d.exec(ctx, cmd)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			d.printf("error %s: %v", strings.ToLower(cmd.verb), err)
		}
	}
	return scanner.Err()
}

func (d *driver) exec(ctx context.Context, cmd driverCommand) error {
	switch cmd.verb {
	case "HOLD":
		return d.s.StartHold()
	case "RELEASE":
		return d.s.Release()
	case "DRAG":
		z, ok := orchestrator.ParseZone(strings.ToLower(cmd.arg))
		if !ok {
			return fmt.Errorf("unknown zone %q (cancel, text, none)", cmd.arg)
		}
		return d.s.DragTo(z)
	case "EDIT":
		return d.s.BeginEdit()
	case "CONFIRM":
		text := cmd.arg
		if text == "" {
			st := d.s.State()
			text = st.Phase.Text
			if st.Editing {
				text = st.EditText
			}
		}
		return d.s.ConfirmEdit(text)
	case "SEND_VOICE":
		return d.s.SendVoice()
	case "CANCEL":
		return d.s.Cancel()
	case "LANG":
		return d.s.SetLanguage(cmd.arg)
	case "MODE":
		m, ok := orchestrator.ParseMode(strings.ToLower(cmd.arg))
		if !ok {
			return fmt.Errorf("unknown mode %q (stream, simple)", cmd.arg)
		}
		return d.s.SetMode(m)
	case "REPLY":
		d.s.SetReply(cmd.arg)
		return nil
	case "ATTACH":
		d.s.AddAttachment(cmd.arg)
		return nil
	case "WAIT":
		return d.wait(ctx, cmd.arg)
	case "SLEEP":
		ms, err := strconv.Atoi(cmd.arg)
		if err != nil {
			return fmt.Errorf("bad duration %q", cmd.arg)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	case "STATE":
		d.printf("%s", describeState(d.s.State()))
		return nil
	case "QUIT":
		return errQuit
	}
	return fmt.Errorf("unknown command %q", cmd.verb)
}

// wait blocks until the named phase is reached. With no argument it waits
// until the session settles in idle or complete.
func (d *driver) wait(ctx context.Context, arg string) error {
	match := func(st orchestrator.State) bool {
		return !st.PermissionPending &&
			(st.Phase.Kind == orchestrator.Idle || st.Phase.Kind == orchestrator.TranscriptionComplete)
	}
	if arg != "" {
		want, ok := orchestrator.ParsePhase(strings.ToLower(arg))
		if !ok {
			return fmt.Errorf("unknown phase %q", arg)
		}
		match = func(st orchestrator.State) bool { return st.Phase.Kind == want }
	}

	deadline := time.NewTimer(d.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if match(d.s.State()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out after %v in %s", d.timeout, d.s.State().Phase.Kind)
		case <-tick.C:
		}
	}
}

// watch prints a line whenever something other than the level meter or
// the duration changed.
func (d *driver) watch(states <-chan orchestrator.State) {
	var last string
	for st := range states {
		line := describeState(st)
		if line != last {
			d.printf("%s", line)
			last = line
		}
	}
}

func describeState(st orchestrator.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase=%s", st.Phase.Kind)
	if st.Phase.Kind == orchestrator.TranscriptionComplete {
		fmt.Fprintf(&b, " text=%q", st.Phase.Text)
	}
	if st.Intent != orchestrator.IntentNone {
		fmt.Fprintf(&b, " intent=%s", st.Intent)
	}
	if st.PermissionPending {
		b.WriteString(" permission=pending")
	}
	if st.Editing {
		b.WriteString(" editing")
	}
	if st.Err != nil {
		fmt.Fprintf(&b, " error=%s", st.Err.Kind)
	}
	if st.Phase.Kind == orchestrator.TranscriptionComplete && st.Recording.Path != "" {
		fmt.Fprintf(&b, " audio=%s", st.Recording.Duration.Round(100*time.Millisecond))
	}
	return b.String()
}
