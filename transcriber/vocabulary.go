package transcriber

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"murmur/log"
)

// MaxVocabulary caps the phrases sent to a backend.
const MaxVocabulary = 100

// Vocabulary is a custom phrase list loaded once in the background.
type Vocabulary struct {
	path string

	once    sync.Once
	ready   chan struct{}
	phrases []string
	err     error
}

// NewVocabulary returns a vocabulary backed by path. An empty path is a
// vocabulary with no phrases.
func NewVocabulary(path string) *Vocabulary {
	return &Vocabulary{path: path, ready: make(chan struct{})}
}

// StaticVocabulary is already prepared with the given phrases.
func StaticVocabulary(phrases ...string) *Vocabulary {
	v := &Vocabulary{ready: make(chan struct{}), phrases: phrases}
	v.once.Do(func() { close(v.ready) })
	return v
}

// Prepare starts loading. Later calls do nothing.
func (v *Vocabulary) Prepare() {
	v.once.Do(func() {
		go func() {
			defer close(v.ready)
			if v.path == "" {
				return
			}
			f, err := os.Open(v.path)
			if err != nil {
				v.err = err
				log.Warnf("vocabulary: %v", err)
				return
			}
			defer f.Close()
			v.phrases, v.err = ParseVocabulary(f)
			if v.err != nil {
				log.Warnf("vocabulary: %v", v.err)
				v.phrases = nil
				return
			}
			log.Infof("vocabulary: %d phrases from %s", len(v.phrases), v.path)
		}()
	})
}

// Wait blocks until the phrases are loaded, starting the load if needed.
// A load failure yields no phrases rather than an error; only ctx ends the
// wait early.
func (v *Vocabulary) Wait(ctx context.Context) ([]string, error) {
	v.Prepare()
	select {
	case <-v.ready:
		return v.phrases, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err reports the load error, if any, once loading has finished.
func (v *Vocabulary) Err() error {
	select {
	case <-v.ready:
		return v.err
	default:
		return nil
	}
}

// ParseVocabulary reads one phrase per line. Blank lines and lines starting
// with # are skipped, duplicates are dropped case-insensitively.
func ParseVocabulary(r io.Reader) ([]string, error) {
	var phrases []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key := strings.ToLower(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		phrases = append(phrases, line)
		if len(phrases) == MaxVocabulary {
			break
		}
	}
	return phrases, sc.Err()
}
