//go:build !vad

package vad

// SileroEngine is a stub in binaries built without the "vad" tag.
type SileroEngine struct{}

// NewSileroEngine reports that silero support is not compiled in.
func NewSileroEngine(cfg SileroConfig) (*SileroEngine, error) {
	return nil, ErrSileroUnavailable
}

// ProcessPCM16 always fails on the stub.
func (s *SileroEngine) ProcessPCM16(pcm []byte) ([]Boundary, error) {
	return nil, ErrSileroUnavailable
}

// Speaking always reports false on the stub.
func (s *SileroEngine) Speaking() bool { return false }

// Reset always fails on the stub.
func (s *SileroEngine) Reset() error { return ErrSileroUnavailable }

// Close is a no-op on the stub.
func (s *SileroEngine) Close() error { return nil }

var _ SpeechDetector = (*SileroEngine)(nil)
