package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"murmur/audio"
	"murmur/clipboard"
	"murmur/hotkey"
	"murmur/outbox"
	"murmur/recorder"
	"murmur/transcriber"
)

// Hotkey waits for one press and release of the global combo.
func Hotkey(hk hotkey.Hotkey, timeout time.Duration) Check {
	return Check{
		Name: "Hotkey detection",
		Run: func(ctx context.Context, w io.Writer) error {
			if err := hk.Register(); err != nil {
				return fmt.Errorf("could not register hotkey: %w", err)
			}
			defer hk.Unregister()

			fmt.Fprintf(w, "Press %s...\n", hotkey.Combo)
			select {
			case <-hk.Keydown():
			case <-time.After(timeout):
				return errors.New("timeout waiting for hotkey")
			case <-ctx.Done():
				return ctx.Err()
			}
			fmt.Fprintln(w, "  hotkey detected")
			select {
			case <-hk.Keyup():
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			resetTerminal()
			return nil
		},
	}
}

// Microphone records for d and, when eng is set, transcribes the take.
// The recording is deleted afterwards.
func Microphone(rec *recorder.Recorder, eng *transcriber.Engine, d time.Duration) Check {
	return Check{
		Name: "Microphone and transcription",
		Run: func(ctx context.Context, w io.Writer) error {
			if !rec.RequestPermission(ctx) {
				return audio.ErrPermissionDenied
			}
			fmt.Fprintf(w, "Speak for %s", d)
			h, err := rec.Start(ctx)
			if err != nil {
				return fmt.Errorf("recording error: %w", err)
			}

			ticker := time.NewTicker(500 * time.Millisecond)
			timer := time.NewTimer(d)
		wait:
			for {
				select {
				case <-ticker.C:
					fmt.Fprint(w, ".")
				case <-timer.C:
					break wait
				case <-ctx.Done():
					break wait
				}
			}
			ticker.Stop()
			timer.Stop()
			snap := h.Stop()
			fmt.Fprintln(w, " done")
			if snap.Path == "" {
				return errors.New("recording was not saved")
			}
			defer os.Remove(snap.Path)
			if err := ctx.Err(); err != nil {
				return err
			}

			info, err := os.Stat(snap.Path)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  recorded %.1fs, %.1f KB\n", snap.Duration.Seconds(), float64(info.Size())/1024)
			if len(snap.Samples) == 0 || slices.Max(snap.Samples) <= audio.LevelFloor {
				return errors.New("input is silent, check the device and its volume")
			}
			if eng == nil {
				return nil
			}

			fmt.Fprintln(w, "  transcribing...")
			text, err := eng.TranscribeFile(ctx, snap.Path)
			if err != nil {
				return err
			}
			if text == "" {
				text = "(no speech detected)"
			}
			fmt.Fprintf(w, "  transcribed text: %s\n", text)
			return nil
		},
	}
}

const clipboardProbe = "murmur-doctor-test"

// Clipboard writes a probe string, reads it back and restores what was
// there before.
func Clipboard(read func() (string, error), write func(string) error) Check {
	return Check{
		Name: "Clipboard",
		Run: func(_ context.Context, w io.Writer) error {
			prev, err := read()
			if errors.Is(err, clipboard.ErrUnsupported) {
				return Skip(err.Error())
			}
			if err := write(clipboardProbe); err != nil {
				return fmt.Errorf("copy failed: %w", err)
			}
			got, err := read()
			if err != nil {
				return fmt.Errorf("read back failed: %w", err)
			}
			if got != clipboardProbe {
				return fmt.Errorf("read back %q, want %q", got, clipboardProbe)
			}
			if prev != "" {
				if err := write(prev); err != nil {
					fmt.Fprintf(w, "  warning: could not restore clipboard: %v\n", err)
				}
			}
			return nil
		},
	}
}

// Store opens the draft store and counts drafts not yet picked up.
func Store(dataDir string) Check {
	return Check{
		Name: "Draft store",
		Run: func(ctx context.Context, w io.Writer) error {
			store, err := outbox.Open(dataDir, nil)
			if err != nil {
				return err
			}
			defer store.Close()
			pending, err := store.List(ctx, outbox.ListOptions{Pending: true})
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %s: %d pending drafts\n", dataDir, len(pending))
			return nil
		},
	}
}

// Upload checks the bucket is reachable with the configured credentials.
// A nil uploader is skipped.
func Upload(u *outbox.S3Uploader) Check {
	return Check{
		Name: "Audio upload",
		Run: func(ctx context.Context, w io.Writer) error {
			if u == nil {
				return Skip("no bucket configured")
			}
			if err := u.Check(ctx); err != nil {
				return err
			}
			fmt.Fprintf(w, "  bucket %s reachable\n", u.Bucket())
			return nil
		},
	}
}
