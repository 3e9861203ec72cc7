// resample.go implements polyphase sample-rate conversion between the
// telephony rates (8 kHz µ-law, 16 kHz L16) and the upstream model rate
// (24 kHz L16).
//
// The converter is a windowed-sinc FIR evaluated polyphase over the rational
// ratio up/down, Kaiser windowed with beta 5.0 and a half-length of
// 10·max(up,down) taps. Output samples are time-aligned with the input
// (the filter group delay is absorbed as lookahead), so a streaming caller
// sees a fixed sub-frame latency instead of a shifted signal.

package audio

import (
	"fmt"
	"math"
)

const kaiserBeta = 5.0

// Resampler converts 16-bit mono PCM between two fixed sample rates. It is
// stateful: Process may be called repeatedly with consecutive chunks of a
// stream, and Flush drains the tail once the stream ends. A Resampler is not
// safe for concurrent use.
type Resampler struct {
	fromRate int
	toRate   int
	up       int
	down     int
	taps     []float64
	center   int

	buf      []int16 // unconsumed input window
	off      int64   // absolute index of buf[0]
	total    int64   // absolute count of input samples received
	outIdx   int64   // next output sample index
	pending  byte    // carried odd byte from a previous chunk
	hasPend  bool
	finished bool
}

// NewResampler creates a converter from fromRate to toRate Hz.
func NewResampler(fromRate, toRate int) (*Resampler, error) {
	if fromRate <= 0 {
		return nil, fmt.Errorf("invalid input sample rate: %d", fromRate)
	}
	if toRate <= 0 {
		return nil, fmt.Errorf("invalid output sample rate: %d", toRate)
	}

	r := &Resampler{fromRate: fromRate, toRate: toRate}
	g := gcd(fromRate, toRate)
	r.up = toRate / g
	r.down = fromRate / g
	if r.up != r.down {
		r.taps, r.center = designLowpass(r.up, r.down)
	}
	return r, nil
}

// designLowpass builds the anti-alias FIR for a rational up/down conversion:
// cutoff at the narrower Nyquist, Kaiser window, DC gain up.
func designLowpass(up, down int) ([]float64, int) {
	maxLM := up
	if down > maxLM {
		maxLM = down
	}
	halfLen := 10 * maxLM
	n := 2*halfLen + 1
	fc := 1.0 / (2.0 * float64(maxLM))

	taps := make([]float64, n)
	sum := 0.0
	for j := 0; j < n; j++ {
		x := float64(j - halfLen)
		taps[j] = kaiser(j, n) * 2 * fc * sinc(2*fc*x)
		sum += taps[j]
	}
	// Normalize so the overall DC gain is exactly `up`, compensating the
	// zero-stuffed upsampling loss.
	scale := float64(up) / sum
	for j := range taps {
		taps[j] *= scale
	}
	return taps, halfLen
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func kaiser(j, n int) float64 {
	half := float64(n-1) / 2
	x := (float64(j) - half) / half
	return besselI0(kaiserBeta*math.Sqrt(1-x*x)) / besselI0(kaiserBeta)
}

// besselI0 is the zeroth-order modified Bessel function, by power series.
func besselI0(x float64) float64 {
	sum := 1.0
	term := 1.0
	half := x / 2
	for k := 1; k < 50; k++ {
		term *= (half / float64(k)) * (half / float64(k))
		sum += term
		if term < sum*1e-12 {
			break
		}
	}
	return sum
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Process converts the next chunk of the stream and returns whatever output
// samples are fully determined so far. Chunks need not be sample-aligned; an
// odd trailing byte is carried into the next call.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.finished {
		return nil
	}
	if r.up == r.down {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}
	r.ingest(pcm)
	return samplesToBytes(r.emit(r.total))
}

// Flush pads the stream tail with silence, emits the remaining output (the
// total output length is always ceil(input·to/from) samples), and marks the
// resampler finished. Reset must be called before reuse.
func (r *Resampler) Flush() []byte {
	if r.finished || r.up == r.down {
		r.finished = true
		return nil
	}
	targetOut := (r.total*int64(r.up) + int64(r.down) - 1) / int64(r.down)
	padN := r.center/r.up + 2
	for i := 0; i < padN; i++ {
		r.buf = append(r.buf, 0)
	}
	padded := r.total + int64(padN)

	var out []int16
	for r.outIdx < targetOut {
		out = append(out, r.one(padded))
	}
	r.finished = true
	return samplesToBytes(out)
}

// Reset returns the resampler to its initial state.
func (r *Resampler) Reset() {
	r.buf = r.buf[:0]
	r.off = 0
	r.total = 0
	r.outIdx = 0
	r.pending = 0
	r.hasPend = false
	r.finished = false
}

// FromRate returns the configured input rate in Hz.
func (r *Resampler) FromRate() int { return r.fromRate }

// ToRate returns the configured output rate in Hz.
func (r *Resampler) ToRate() int { return r.toRate }

func (r *Resampler) ingest(pcm []byte) {
	if r.hasPend && len(pcm) > 0 {
		r.buf = append(r.buf, int16(r.pending)|int16(pcm[0])<<8)
		r.total++
		pcm = pcm[1:]
		r.hasPend = false
	}
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		r.buf = append(r.buf, int16(pcm[i*2])|int16(pcm[i*2+1])<<8)
	}
	r.total += int64(n)
	if len(pcm)%2 == 1 {
		r.pending = pcm[len(pcm)-1]
		r.hasPend = true
	}
}

// emit produces every output sample whose input window is complete given
// `have` input samples, then drops input the filter can no longer reach.
func (r *Resampler) emit(have int64) []int16 {
	var out []int16
	for {
		p := r.outIdx*int64(r.down) + int64(r.center)
		if p/int64(r.up) >= have {
			break
		}
		out = append(out, r.one(have))
	}

	// The oldest input still reachable by the next output.
	pNext := r.outIdx*int64(r.down) + int64(r.center)
	keepFrom := (pNext-int64(len(r.taps)))/int64(r.up) + 1
	if keepFrom < 0 {
		keepFrom = 0
	}
	if keepFrom > r.off {
		drop := keepFrom - r.off
		if drop >= int64(len(r.buf)) {
			r.buf = r.buf[:0]
		} else {
			r.buf = append(r.buf[:0], r.buf[drop:]...)
		}
		r.off = keepFrom
	}
	return out
}

// one computes output sample outIdx by walking the polyphase column for its
// phase, oldest tap last.
func (r *Resampler) one(have int64) int16 {
	p := r.outIdx*int64(r.down) + int64(r.center)
	n := p / int64(r.up)
	j := int(p % int64(r.up))

	acc := 0.0
	for ; j < len(r.taps); j, n = j+r.up, n-1 {
		if n < 0 {
			break
		}
		if n >= have {
			continue
		}
		idx := n - r.off
		if idx >= 0 && idx < int64(len(r.buf)) {
			acc += float64(r.buf[idx]) * r.taps[j]
		}
	}
	r.outIdx++
	return clampInt16(acc)
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(math.Round(v))
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Resample converts a complete 16-bit mono PCM buffer from fromRate to
// toRate in one shot. Zero-length input yields zero-length output.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	r, err := NewResampler(fromRate, toRate)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	out := r.Process(pcm)
	return append(out, r.Flush()...), nil
}
