// chunker.go enforces the sizing rules for audio leaving the bridge toward
// the upstream API: every emitted chunk carries at least 100 ms of audio,
// and file-sourced audio is split into fixed-size chunks before base64
// transport.

package audio

// BytesPerSample is the width of one L16 sample.
const BytesPerSample = 2

const (
	// MinChunkMs is the floor duration of an upstream audio chunk. Shorter
	// payloads are right-padded with silence.
	MinChunkMs = 100

	// DefaultChunkSize is the default byte size for file-sourced chunks,
	// about one second at 16 kHz L16.
	DefaultChunkSize = 32000
)

// MinChunkBytes returns the 100 ms floor in bytes for a sample rate.
func MinChunkBytes(sampleRate int) int {
	return sampleRate * MinChunkMs / 1000 * BytesPerSample
}

// PadToMinDuration right-pads pcm with silence so it carries at least the
// floor duration at the given rate. Already long enough, it is returned
// unchanged. Empty input stays empty.
func PadToMinDuration(pcm []byte, sampleRate int) []byte {
	if len(pcm) == 0 {
		return pcm
	}
	min := MinChunkBytes(sampleRate)
	if len(pcm) >= min {
		return pcm
	}
	padded := make([]byte, min)
	copy(padded, pcm)
	return padded
}

// SplitChunks slices pcm into chunkSize-byte chunks. The final short chunk
// is padded with silence up to the floor duration. Zero-length input yields
// an empty list. A non-positive chunkSize falls back to DefaultChunkSize;
// odd sizes are rounded down to stay sample-aligned.
func SplitChunks(pcm []byte, chunkSize, sampleRate int) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize%2 == 1 {
		chunkSize--
	}
	if chunkSize < BytesPerSample {
		chunkSize = BytesPerSample
	}

	chunks := make([][]byte, 0, (len(pcm)+chunkSize-1)/chunkSize)
	for start := 0; start < len(pcm); start += chunkSize {
		end := start + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := make([]byte, end-start)
		copy(chunk, pcm[start:end])
		chunks = append(chunks, chunk)
	}

	last := len(chunks) - 1
	chunks[last] = PadToMinDuration(chunks[last], sampleRate)
	return chunks
}
