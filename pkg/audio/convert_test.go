package audio_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/forcealign/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmix_Stereo(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	equalSamples(t, bytesToSamples(audio.Downmix(stereo, 2)), []int16{150, -150})
}

func TestDownmix_ThreeChannels(t *testing.T) {
	pcm := samplesToBytes([]int16{30, 60, 90, -3, -6, -9, 7})
	// The trailing partial frame is dropped.
	equalSamples(t, bytesToSamples(audio.Downmix(pcm, 3)), []int16{60, -6})
}

func TestDownmix_NoClipping(t *testing.T) {
	stereo := samplesToBytes([]int16{32767, 32767, -32768, -32768})
	equalSamples(t, bytesToSamples(audio.Downmix(stereo, 2)), []int16{32767, -32768})
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 8kHz → 6 samples at 24kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	got := bytesToSamples(audio.ResampleMono16(pcm, 8000, 24000))
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 1 sample at 8kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	got := bytesToSamples(audio.ResampleMono16(pcm, 48000, 8000))
	equalSamples(t, got, []int16{100})
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	for _, rates := range [][2]int{{0, 8000}, {8000, 0}, {-1, 8000}} {
		if out := audio.ResampleMono16(pcm, rates[0], rates[1]); len(out) != len(pcm) {
			t.Errorf("rates %v: expected unchanged output, got len %d", rates, len(out))
		}
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		from audio.Format
		in   []int16
		want []int16
	}{
		{"canonical", audio.Format{SampleRate: 8000, Channels: 1}, []int16{1, 2, 3}, []int16{1, 2, 3}},
		{"stereo", audio.Format{SampleRate: 8000, Channels: 2}, []int16{10, 20, 30, 40}, []int16{15, 35}},
		{"stereo 16kHz", audio.Format{SampleRate: 16000, Channels: 2}, []int16{10, 20, 30, 40, 50, 60, 70, 80}, []int16{15, 55}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := audio.Convert(samplesToBytes(tc.in), tc.from, 8000)
			if err != nil {
				t.Fatalf("Convert: %v", err)
			}
			equalSamples(t, bytesToSamples(out), tc.want)
		})
	}
}

func TestConvert_InvalidFormat(t *testing.T) {
	_, err := audio.Convert(nil, audio.Format{SampleRate: 8000}, 8000)
	if !errors.Is(err, audio.ErrFormat) {
		t.Errorf("err = %v, want ErrFormat", err)
	}
}

func TestFormat_String(t *testing.T) {
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 8000, Channels: 1}, "8000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}
