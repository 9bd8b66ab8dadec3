package encoder

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

var ErrPipeClosed = errors.New("encoder pipe closed")

// Pipe turns raw PCM from a capture callback into BlockSize blocks and
// encodes them on a separate goroutine so the callback never waits on I/O.
type Pipe struct {
	enc        Encoder
	blockChan  chan []int16
	encodeDone chan struct{}

	bufMu     sync.Mutex
	sampleBuf []int16
	frames    uint64
	closed    bool

	errMu  sync.Mutex
	encErr error
}

func NewPipe(enc Encoder) *Pipe {
	p := &Pipe{
		enc:        enc,
		blockChan:  make(chan []int16, 64),
		encodeDone: make(chan struct{}),
	}

	go func() {
		defer close(p.encodeDone)
		for block := range p.blockChan {
			start := time.Now()
			if err := p.enc.EncodeBlock(block); err != nil {
				p.errMu.Lock()
				if p.encErr == nil {
					p.encErr = err
				}
				p.errMu.Unlock()
			}
			p.enc.AddEncodeTime(time.Since(start))
		}
	}()

	return p
}

// Feed appends little-endian 16-bit PCM. Feeding a closed pipe is a no-op.
func (p *Pipe) Feed(pcm []byte) {
	p.bufMu.Lock()
	if p.closed {
		p.bufMu.Unlock()
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		p.sampleBuf = append(p.sampleBuf, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	p.frames += uint64(len(pcm) / 2)
	var blocks [][]int16
	for len(p.sampleBuf) >= BlockSize {
		block := make([]int16, BlockSize)
		copy(block, p.sampleBuf[:BlockSize])
		p.sampleBuf = p.sampleBuf[BlockSize:]
		blocks = append(blocks, block)
	}
	// Sends happen under the lock so Close cannot close blockChan mid-send.
	for _, block := range blocks {
		p.blockChan <- block
	}
	p.bufMu.Unlock()
}

// Frames is the number of samples fed so far.
func (p *Pipe) Frames() uint64 {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	return p.frames
}

// Close flushes the partial block, waits for encoding to finish and closes
// the encoder. A second Close returns ErrPipeClosed.
func (p *Pipe) Close() error {
	p.bufMu.Lock()
	if p.closed {
		p.bufMu.Unlock()
		return ErrPipeClosed
	}
	p.closed = true
	if len(p.sampleBuf) > 0 {
		partial := make([]int16, len(p.sampleBuf))
		copy(partial, p.sampleBuf)
		p.sampleBuf = nil
		p.blockChan <- partial
	}
	close(p.blockChan)
	p.bufMu.Unlock()

	<-p.encodeDone

	closeErr := p.enc.Close()
	p.errMu.Lock()
	err := p.encErr
	p.errMu.Unlock()
	if err != nil {
		return err
	}
	return closeErr
}
