package audio

import (
	"fmt"
	"log/slog"
)

// Format describes the sample rate and channel count of 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Convert turns interleaved little-endian int16 PCM in format from into mono
// PCM at rate. Channels are averaged before resampling. If from already
// matches, pcm is returned unchanged.
func Convert(pcm []byte, from Format, rate int) ([]byte, error) {
	if from.Channels < 1 || from.SampleRate <= 0 || rate <= 0 {
		return nil, fmt.Errorf("%w: cannot convert %s to %dHz mono", ErrFormat, from, rate)
	}
	if from.Channels == 1 && from.SampleRate == rate {
		return pcm, nil
	}
	slog.Debug("audio: converting", "from", from.String(), "to", Format{SampleRate: rate, Channels: 1}.String())

	if from.Channels > 1 {
		pcm = Downmix(pcm, from.Channels)
	}
	return ResampleMono16(pcm, from.SampleRate, rate), nil
}

// Downmix averages each frame of channels interleaved int16 samples into one
// mono sample. A trailing partial frame is dropped.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			j := i*frameBytes + c*2
			sum += int32(int16(pcm[j]) | int16(pcm[j+1])<<8)
		}
		avg := sum / int32(channels)

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
