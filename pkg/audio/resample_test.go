package audio

import (
	"bytes"
	"math"
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

func sineWave(freq float64, rate, n int, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestNewResamplerValidation(t *testing.T) {
	if _, err := NewResampler(0, 16000); err == nil {
		t.Error("expected error for zero input rate")
	}
	if _, err := NewResampler(8000, -1); err == nil {
		t.Error("expected error for negative output rate")
	}
	r, err := NewResampler(TelephonyRate, UpstreamRate)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}
	if r.FromRate() != 8000 || r.ToRate() != 24000 {
		t.Errorf("rates = %d->%d, want 8000->24000", r.FromRate(), r.ToRate())
	}
}

func TestResampleZeroLength(t *testing.T) {
	out, err := Resample(nil, TelephonyRate, UpstreamRate)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty output, got %d bytes", len(out))
	}
}

func TestResampleSameRate(t *testing.T) {
	in := pcmFromSamples(sineWave(440, LPCM16Rate, 160, 8000))
	out, err := Resample(in, LPCM16Rate, LPCM16Rate)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Error("same-rate conversion should be the identity")
	}
}

func TestResampleOutputLength(t *testing.T) {
	cases := []struct {
		from, to  int
		inSamples int
		want      int
	}{
		{8000, 16000, 800, 1600},
		{16000, 8000, 800, 400},
		{8000, 24000, 160, 480},
		{24000, 8000, 480, 160},
		{16000, 24000, 320, 480},
		{24000, 16000, 333, 222},
		// Non-multiple counts round up.
		{16000, 8000, 801, 401},
		{8000, 24000, 161, 483},
	}

	for _, tc := range cases {
		in := pcmFromSamples(make([]int16, tc.inSamples))
		out, err := Resample(in, tc.from, tc.to)
		if err != nil {
			t.Fatalf("Resample %d->%d: %v", tc.from, tc.to, err)
		}
		if got := len(out) / 2; got != tc.want {
			t.Errorf("%d->%d with %d samples: got %d output samples, want %d",
				tc.from, tc.to, tc.inSamples, got, tc.want)
		}
	}
}

func TestResampleDCLevel(t *testing.T) {
	// A constant signal must come out at the same level away from the
	// stream edges.
	in := make([]int16, 1600)
	for i := range in {
		in[i] = 1000
	}
	out, err := Resample(pcmFromSamples(in), TelephonyRate, LPCM16Rate)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	samples := samplesFromPCM(out)
	for i := 100; i < len(samples)-100; i++ {
		diff := int(samples[i]) - 1000
		if diff < -40 || diff > 40 {
			t.Fatalf("DC level drifted at %d: %d", i, samples[i])
		}
	}
}

func TestResampleSineFidelity(t *testing.T) {
	// A 440 Hz tone downsampled 16k->8k must track the ideal 8 kHz tone in
	// the steady-state region.
	const (
		freq      = 440.0
		amplitude = 8000.0
	)
	in := sineWave(freq, 16000, 8000, amplitude) // 500ms
	out, err := Resample(pcmFromSamples(in), 16000, 8000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	samples := samplesFromPCM(out)

	var sumSq float64
	count := 0
	for i := 200; i < len(samples)-200; i++ {
		ideal := amplitude * math.Sin(2*math.Pi*freq*float64(i)/8000)
		diff := float64(samples[i]) - ideal
		if math.Abs(diff) > 300 {
			t.Fatalf("sample %d: got %d, ideal %.0f, diff %.0f", i, samples[i], ideal, diff)
		}
		sumSq += diff * diff
		count++
	}
	rms := math.Sqrt(sumSq / float64(count))
	if rms > 120 {
		t.Errorf("RMS error %.1f too high for steady-state tone", rms)
	}
}

func TestResamplerStreamingMatchesOneShot(t *testing.T) {
	// Feeding the stream in ragged chunks, including odd byte boundaries,
	// must produce exactly the one-shot conversion.
	in := pcmFromSamples(sineWave(300, 24000, 2400, 6000))

	oneShot, err := Resample(in, 24000, 8000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}

	r, err := NewResampler(24000, 8000)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}
	var streamed []byte
	chunkSizes := []int{1, 7, 160, 333, 1024, 5}
	pos := 0
	for i := 0; pos < len(in); i++ {
		size := chunkSizes[i%len(chunkSizes)]
		end := pos + size
		if end > len(in) {
			end = len(in)
		}
		streamed = append(streamed, r.Process(in[pos:end])...)
		pos = end
	}
	streamed = append(streamed, r.Flush()...)

	if !bytes.Equal(oneShot, streamed) {
		t.Errorf("streamed output (%d bytes) differs from one-shot (%d bytes)",
			len(streamed), len(oneShot))
	}
}

func TestResamplerReset(t *testing.T) {
	in := pcmFromSamples(sineWave(500, 8000, 800, 4000))

	r, err := NewResampler(8000, 24000)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}
	first := append(r.Process(in), r.Flush()...)

	r.Reset()
	second := append(r.Process(in), r.Flush()...)

	if !bytes.Equal(first, second) {
		t.Error("conversion after Reset differs from a fresh run")
	}
}

func TestResamplerFinishedAfterFlush(t *testing.T) {
	r, err := NewResampler(8000, 16000)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}
	r.Process(make([]byte, 320))
	r.Flush()

	if out := r.Process(make([]byte, 320)); out != nil {
		t.Error("Process after Flush should produce nothing until Reset")
	}
	r.Reset()
	if out := r.Process(make([]byte, 320)); len(out) == 0 {
		t.Error("Process after Reset should produce output again")
	}
}

func BenchmarkResample24kTo8k(b *testing.B) {
	in := pcmFromSamples(sineWave(440, 24000, 2400, 8000)) // 100ms
	r, err := NewResampler(24000, 8000)
	if err != nil {
		b.Fatalf("NewResampler: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Process(in)
	}
}
