package realtime

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/faiface/beep"
	"github.com/smallnest/ringbuffer"
)

// SampleRate is the protocol's fixed pcm16 mono sample rate. Truncation
// timestamps and commit bookkeeping both convert through it.
const SampleRate = 24_000

const bytesPerSample = 2

// EncodeAudio converts samples to base64 pcm16 little-endian for the wire.
func EncodeAudio(samples []int16) string {
	return base64.StdEncoding.EncodeToString(SamplesToBytes(samples))
}

// DecodeAudio converts base64 pcm16 little-endian back into samples.
func DecodeAudio(s string) ([]int16, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return BytesToSamples(data), nil
}

// MergeAudio concatenates two sample sequences into a fresh slice.
func MergeAudio(a, b []int16) []int16 {
	merged := make([]int16, 0, len(a)+len(b))
	merged = append(merged, a...)
	return append(merged, b...)
}

func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*bytesPerSample:], uint16(s))
	}
	return data
}

func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/bytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
	}
	return samples
}

// SamplesToMs converts a sample count to whole milliseconds at SampleRate.
func SamplesToMs(samples int) int {
	return samples * 1000 / SampleRate
}

// MsToSamples converts milliseconds to a sample count at SampleRate.
func MsToSamples(ms int) int {
	return ms * SampleRate / 1000
}

// FixedChunkReader rechunks an arbitrary reader into fixed-size reads, so
// audio can be appended at a steady cadence regardless of how the source
// delivers it.
type FixedChunkReader struct {
	r         io.Reader
	buf       []byte
	chunkSize int
	eof       bool
}

func NewFixedChunkReader(r io.Reader, chunkSize int) *FixedChunkReader {
	return &FixedChunkReader{
		r:         r,
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize*2),
	}
}

// NewFixedAudioChunkReader sizes chunks to hold latency worth of mono pcm16
// audio at the given rate.
func NewFixedAudioChunkReader(r io.Reader, sampleRate int, latency time.Duration) *FixedChunkReader {
	return NewFixedChunkReader(r, chunkSize(sampleRate, latency))
}

func chunkSize(sampleRate int, d time.Duration) int {
	frames := int(float64(sampleRate) * d.Seconds())
	return frames * bytesPerSample
}

func (f *FixedChunkReader) ChunkSize() int {
	return f.chunkSize
}

func (f *FixedChunkReader) Read(p []byte) (int, error) {
	if len(p) < f.chunkSize {
		return 0, fmt.Errorf("buffer passed to Read must be at least %d bytes", f.chunkSize)
	}

	for len(f.buf) < f.chunkSize && !f.eof {
		tmp := make([]byte, f.chunkSize)
		n, err := f.r.Read(tmp)
		if n > 0 {
			f.buf = append(f.buf, tmp[:n]...)
		}
		if err == io.EOF {
			f.eof = true
			break
		}
		if err != nil {
			return 0, err
		}
	}

	if len(f.buf) == 0 && f.eof {
		return 0, io.EOF
	}

	n := f.chunkSize
	if len(f.buf) < f.chunkSize {
		n = len(f.buf)
	}
	copy(p, f.buf[:n])
	f.buf = f.buf[n:]
	return n, nil
}

// InputBuffer is a blocking staging buffer between an audio capture loop and
// StreamInputAudio. The writer side blocks once capacity worth of audio is
// unread.
type InputBuffer struct {
	rb *ringbuffer.RingBuffer
}

func NewInputBuffer(capacity time.Duration) *InputBuffer {
	size := chunkSize(SampleRate, capacity) * 2
	return &InputBuffer{rb: ringbuffer.New(size).SetBlocking(true)}
}

func (b *InputBuffer) Write(p []byte) (int, error) {
	return b.rb.Write(p)
}

func (b *InputBuffer) Read(p []byte) (int, error) {
	return b.rb.Read(p)
}

// CloseWriter signals EOF to the reading side.
func (b *InputBuffer) CloseWriter() {
	b.rb.CloseWriter()
}

type pcmStreamer struct {
	data []int16
	pos  int
}

func (s *pcmStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	for i := range samples {
		if s.pos >= len(s.data) {
			return i, false
		}
		val := float64(s.data[s.pos]) / 32768.0
		samples[i][0] = val
		samples[i][1] = val
		s.pos++
	}
	return len(samples), true
}

func (s *pcmStreamer) Err() error { return nil }

// ResamplePCM converts mono pcm16 audio between sample rates, for feeds whose
// capture rate differs from SampleRate. The conversation core never resamples;
// use this before AppendInputAudio.
func ResamplePCM(pcm []byte, fromRate, toRate int) ([]byte, error) {
	streamer := &pcmStreamer{data: BytesToSamples(pcm)}
	resampler := beep.Resample(3, beep.SampleRate(fromRate), beep.SampleRate(toRate), streamer)

	buf := new(bytes.Buffer)
	frame := make([][2]float64, 1024)
	for {
		n, ok := resampler.Stream(frame)
		for i := 0; i < n; i++ {
			mono := (frame[i][0] + frame[i][1]) / 2.0
			if err := binary.Write(buf, binary.LittleEndian, int16(mono*32767)); err != nil {
				return nil, err
			}
		}
		if !ok {
			break
		}
	}
	return buf.Bytes(), nil
}
