// dumper.go writes raw PCM to a WAV file for offline inspection. Connection
// paths create one behind a DUMP_* environment flag when debugging audio
// quality issues; it is never on in normal operation.

package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

// Dumper streams 16-bit mono/stereo PCM into a WAV file. The RIFF sizes are
// patched on Close.
type Dumper struct {
	mu         sync.Mutex
	file       *os.File
	dataBytes  uint32
	sampleRate int
	channels   int
	closed     bool
}

// NewDumper creates dump_<name>_<unixtime>.wav in the working directory and
// writes a WAV header for 16-bit PCM at the given rate and channel count.
func NewDumper(name string, sampleRate, channels int) (*Dumper, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid dump format: rate=%d channels=%d", sampleRate, channels)
	}

	path := fmt.Sprintf("dump_%s_%d.wav", name, time.Now().Unix())
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump file: %w", err)
	}

	d := &Dumper{
		file:       file,
		sampleRate: sampleRate,
		channels:   channels,
	}
	if err := d.writeHeader(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return d, nil
}

// Write appends PCM bytes to the dump.
func (d *Dumper) Write(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("dumper closed")
	}
	n, err := d.file.Write(pcm)
	d.dataBytes += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}

// Close patches the RIFF chunk sizes and closes the file.
func (d *Dumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var sizes [4]byte
	binary.LittleEndian.PutUint32(sizes[:], 36+d.dataBytes)
	if _, err := d.file.WriteAt(sizes[:], 4); err != nil {
		d.file.Close()
		return err
	}
	binary.LittleEndian.PutUint32(sizes[:], d.dataBytes)
	if _, err := d.file.WriteAt(sizes[:], 40); err != nil {
		d.file.Close()
		return err
	}
	return d.file.Close()
}

func (d *Dumper) writeHeader() error {
	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	// Sizes at offsets 4 and 40 are patched on Close.
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:], uint16(d.channels))
	binary.LittleEndian.PutUint32(header[24:], uint32(d.sampleRate))
	byteRate := uint32(d.sampleRate * d.channels * BytesPerSample)
	binary.LittleEndian.PutUint32(header[28:], byteRate)
	binary.LittleEndian.PutUint16(header[32:], uint16(d.channels*BytesPerSample))
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")

	if _, err := d.file.Write(header); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	return nil
}
