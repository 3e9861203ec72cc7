package vad

// DetectorInterface scores audio windows for voice activity. Implementations
// are not required to be goroutine-safe; Engine serializes access.
type DetectorInterface interface {
	// Infer scores one window of normalized samples in [-1, 1] and returns
	// the speech probability in [0, 1].
	Infer(samples []float32) (float32, error)

	// Reset clears the detector's internal state when a new audio stream
	// starts.
	Reset() error

	// Destroy releases all resources held by the detector. The detector
	// must not be used after calling Destroy.
	Destroy() error
}
