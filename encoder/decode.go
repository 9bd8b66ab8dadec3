package encoder

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mewkiz/flac"
)

// PCM is a decoded mono recording.
type PCM struct {
	Samples    []int16
	SampleRate uint32
}

func (p *PCM) Duration() time.Duration {
	if p == nil || p.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(p.Samples)) * time.Second / time.Duration(p.SampleRate)
}

// DecodeFile reads a FLAC recording back into 16-bit samples. Only the first
// channel is kept.
func DecodeFile(path string) (*PCM, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer stream.Close()

	pcm := &PCM{SampleRate: stream.Info.SampleRate}
	if n := stream.Info.NSamples; n > 0 {
		pcm.Samples = make([]int16, 0, n)
	}
	shift := 0
	if bps := int(stream.Info.BitsPerSample); bps > 16 {
		shift = bps - 16
	}
	for {
		f, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		if len(f.Subframes) == 0 {
			continue
		}
		for _, s := range f.Subframes[0].Samples {
			pcm.Samples = append(pcm.Samples, int16(s>>shift))
		}
	}
	return pcm, nil
}
