package malgo

import (
	"encoding/binary"
	"time"

	"github.com/MrWong99/rescuevox/pkg/audio"
)

// framer slices a stream of interleaved S16LE bytes into mono float frames of
// exactly size samples. Multi-channel input is averaged.
type framer struct {
	size     int
	channels int
	rate     int

	pending []float32
	carry   []byte
	emitted int
}

func newFramer(size, channels, rate int) *framer {
	if channels < 1 {
		channels = 1
	}
	return &framer{
		size:     size,
		channels: channels,
		rate:     rate,
		pending:  make([]float32, 0, size),
	}
}

// write consumes data and calls emit once per completed frame. Partial
// sample frames are carried over to the next call.
func (f *framer) write(data []byte, emit func(audio.Frame)) {
	stride := 2 * f.channels
	if len(f.carry) > 0 {
		data = append(f.carry, data...)
		f.carry = nil
	}
	n := len(data) / stride
	for i := range n {
		var sum float32
		for c := range f.channels {
			off := i*stride + c*2
			sum += float32(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768
		}
		f.pending = append(f.pending, sum/float32(f.channels))
		if len(f.pending) == f.size {
			emit(audio.Frame{
				Samples:    f.pending,
				SampleRate: f.rate,
				Timestamp:  time.Duration(f.emitted) * time.Second / time.Duration(f.rate),
			})
			f.emitted += f.size
			f.pending = make([]float32, 0, f.size)
		}
	}
	if rest := data[n*stride:]; len(rest) > 0 {
		f.carry = append([]byte(nil), rest...)
	}
}
