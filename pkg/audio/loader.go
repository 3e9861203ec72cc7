// loader.go decodes audio files into upstream-ready chunks: any container
// ffmpeg can open is demuxed, decoded, downmixed to 16-bit mono PCM at the
// file's native rate, resampled to the target rate, and split into
// fixed-size chunks with the final chunk padded to the 100 ms floor.
// Results are cached per (path, target rate, chunk size); conversion of a
// greeting or announcement file happens once per process.

package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/asticode/go-astiav"
)

var (
	// ErrAudioLoad reports a file that could not be opened or demuxed.
	ErrAudioLoad = errors.New("audio load failed")
	// ErrAudioFormat reports a container without a decodable audio stream.
	ErrAudioFormat = errors.New("unsupported audio format")
)

type loaderKey struct {
	path       string
	targetRate int
	chunkSize  int
}

// Loader converts audio files to PCM16 chunks and caches the results.
// Cached chunks are shared between callers and must not be modified.
type Loader struct {
	mu    sync.Mutex
	cache map[loaderKey][][]byte
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{
		cache: make(map[loaderKey][][]byte),
	}
}

// LoadChunks decodes the file at path into 16-bit mono PCM at targetRate and
// splits it into chunkSize-byte chunks (the final chunk padded to the 100 ms
// floor). A non-positive chunkSize uses DefaultChunkSize. Repeated calls with
// the same arguments return the cached conversion.
func (l *Loader) LoadChunks(path string, targetRate, chunkSize int) ([][]byte, error) {
	if targetRate <= 0 {
		return nil, fmt.Errorf("invalid target sample rate: %d", targetRate)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	key := loaderKey{path: path, targetRate: targetRate, chunkSize: chunkSize}

	l.mu.Lock()
	if chunks, ok := l.cache[key]; ok {
		l.mu.Unlock()
		return chunks, nil
	}
	l.mu.Unlock()

	pcm, nativeRate, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	if nativeRate != targetRate {
		pcm, err = Resample(pcm, nativeRate, targetRate)
		if err != nil {
			return nil, fmt.Errorf("failed to resample %s: %w", path, err)
		}
	}
	chunks := SplitChunks(pcm, chunkSize, targetRate)

	l.mu.Lock()
	l.cache[key] = chunks
	l.mu.Unlock()
	return chunks, nil
}

// LoadBase64Chunks is LoadChunks with each chunk base64-encoded, ready for a
// JSON audio payload.
func (l *Loader) LoadBase64Chunks(path string, targetRate, chunkSize int) ([]string, error) {
	chunks, err := l.LoadChunks(path, targetRate, chunkSize)
	if err != nil {
		return nil, err
	}
	encoded := make([]string, len(chunks))
	for i, chunk := range chunks {
		encoded[i] = base64.StdEncoding.EncodeToString(chunk)
	}
	return encoded, nil
}

// ClearCache drops every cached conversion.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[loaderKey][][]byte)
}

// decodeFile demuxes and decodes the first audio stream of the file into
// 16-bit mono PCM at the stream's native sample rate.
func decodeFile(path string) ([]byte, int, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, 0, fmt.Errorf("%w: failed to allocate format context", ErrAudioLoad)
	}
	defer fc.Free()

	if err := fc.OpenInput(path, nil, nil); err != nil {
		return nil, 0, fmt.Errorf("%w: open %s: %v", ErrAudioLoad, path, err)
	}
	defer fc.CloseInput()

	if err := fc.FindStreamInfo(nil); err != nil {
		return nil, 0, fmt.Errorf("%w: stream info %s: %v", ErrAudioLoad, path, err)
	}

	var stream *astiav.Stream
	for _, s := range fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			stream = s
			break
		}
	}
	if stream == nil {
		return nil, 0, fmt.Errorf("%w: no audio stream in %s", ErrAudioFormat, path)
	}

	codec := astiav.FindDecoder(stream.CodecParameters().CodecID())
	if codec == nil {
		return nil, 0, fmt.Errorf("%w: no decoder for %s in %s", ErrAudioFormat, stream.CodecParameters().CodecID(), path)
	}

	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, 0, fmt.Errorf("%w: failed to allocate codec context", ErrAudioLoad)
	}
	defer cc.Free()

	if err := stream.CodecParameters().ToCodecContext(cc); err != nil {
		return nil, 0, fmt.Errorf("%w: codec parameters %s: %v", ErrAudioLoad, path, err)
	}
	if err := cc.Open(codec, nil); err != nil {
		return nil, 0, fmt.Errorf("%w: open decoder %s: %v", ErrAudioFormat, path, err)
	}

	swr := astiav.AllocSoftwareResampleContext()
	if swr == nil {
		return nil, 0, fmt.Errorf("%w: failed to allocate resample context", ErrAudioLoad)
	}
	defer swr.Free()

	pkt := astiav.AllocPacket()
	defer pkt.Free()
	frame := astiav.AllocFrame()
	defer frame.Free()
	monoFrame := astiav.AllocFrame()
	defer monoFrame.Free()

	var pcm []byte
	sampleRate := cc.SampleRate()

	// toMono converts a decoded frame to interleaved S16 mono at the native
	// rate, so decoded planar/float formats all land in one layout.
	toMono := func(in *astiav.Frame) error {
		const align = 0
		monoFrame.Unref()
		monoFrame.SetChannelLayout(astiav.ChannelLayoutMono)
		monoFrame.SetSampleFormat(astiav.SampleFormatS16)
		monoFrame.SetSampleRate(in.SampleRate())
		monoFrame.SetNbSamples(in.NbSamples())
		if err := monoFrame.AllocBuffer(align); err != nil {
			return fmt.Errorf("failed to allocate output buffer: %w", err)
		}
		if err := swr.ConvertFrame(in, monoFrame); err != nil {
			return fmt.Errorf("failed to convert frame: %w", err)
		}
		data, err := monoFrame.Data().Bytes(align)
		if err != nil {
			return fmt.Errorf("getting converted data failed: %w", err)
		}
		n := monoFrame.NbSamples() * BytesPerSample
		if n < len(data) {
			data = data[:n]
		}
		pcm = append(pcm, data...)
		return nil
	}

	drain := func() error {
		for {
			if err := cc.ReceiveFrame(frame); err != nil {
				if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
					return nil
				}
				return fmt.Errorf("%w: decode %s: %v", ErrAudioLoad, path, err)
			}
			if err := toMono(frame); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrAudioLoad, path, err)
			}
		}
	}

	for {
		if err := fc.ReadFrame(pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return nil, 0, fmt.Errorf("%w: read %s: %v", ErrAudioLoad, path, err)
		}
		if pkt.StreamIndex() != stream.Index() {
			pkt.Unref()
			continue
		}
		err := cc.SendPacket(pkt)
		pkt.Unref()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: decode %s: %v", ErrAudioLoad, path, err)
		}
		if err := drain(); err != nil {
			return nil, 0, err
		}
	}

	// Flush the decoder.
	if err := cc.SendPacket(nil); err == nil {
		if err := drain(); err != nil {
			return nil, 0, err
		}
	}

	if len(pcm) == 0 {
		return nil, 0, fmt.Errorf("%w: %s decoded to no samples", ErrAudioFormat, path)
	}
	return pcm, sampleRate, nil
}
