package audio

import (
	"fmt"
	"io"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV renders mono float32 samples as a 16-bit PCM WAV file in memory,
// the format the remote inference endpoint expects in its multipart upload.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyChunk
	}

	buf := newWriteSeekBuffer()
	enc := wav.NewEncoder(buf, sampleRate, 16, 1, 1)

	intBuf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		intBuf.Data[i] = int(s * 32767)
	}

	if err := enc.Write(intBuf); err != nil {
		return nil, fmt.Errorf("audio: write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: finalize wav: %w", err)
	}
	return buf.Bytes(), nil
}

// writeSeekBuffer adapts a byte slice to io.WriteSeeker so the wav encoder
// can patch chunk sizes without a temp file.
type writeSeekBuffer struct {
	data []byte
	pos  int
}

func newWriteSeekBuffer() *writeSeekBuffer {
	return &writeSeekBuffer{data: make([]byte, 0, 64*1024)}
}

func (b *writeSeekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.data) {
		if end > cap(b.data) {
			grown := make([]byte, len(b.data), end*2)
			copy(grown, b.data)
			b.data = grown
		}
		b.data = b.data[:end]
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *writeSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = int64(b.pos) + offset
	case io.SeekEnd:
		target = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("audio: invalid seek whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("audio: seek before start")
	}
	b.pos = int(target)
	return target, nil
}

func (b *writeSeekBuffer) Bytes() []byte {
	return b.data
}
