package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/forcealign/internal/config"
	"github.com/MrWong99/forcealign/pkg/align"
	"github.com/MrWong99/forcealign/pkg/decoder"
	"github.com/MrWong99/forcealign/pkg/transcript"
)

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		args []string
		want int
	}{
		{nil, 2},
		{[]string{"help"}, 0},
		{[]string{"bogus"}, 2},
		{[]string{"align"}, 2},
		{[]string{"align", "-format", "xml", "a.wav"}, 2},
	}
	for _, tc := range tests {
		if got := run(tc.args); got != tc.want {
			t.Errorf("run(%q) = %d, want %d", tc.args, got, tc.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Alignment.SampleRate != config.DefaultSampleRate {
		t.Errorf("sample rate = %d, want %d", cfg.Alignment.SampleRate, config.DefaultSampleRate)
	}
	if _, err := loadConfig(t.TempDir() + "/missing.yaml"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing file err = %v", err)
	}
}

func TestWriteResult(t *testing.T) {
	ref := transcript.Tokenize("hi", transcript.NewVocabulary("hi"))
	tr := &align.Transcription{
		Transcript: "hi",
		Words:      []align.Word{align.NewSuccess(ref.Token(0), decoder.Token{Word: "hi", Start: 0.5, Duration: 0.25})},
	}

	var buf bytes.Buffer
	if err := writeResult(&buf, tr, "csv"); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "hi\thi\t0.5\t0.75\n" {
		t.Errorf("csv = %q", got)
	}

	buf.Reset()
	if err := writeResult(&buf, tr, "json"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"transcript":"hi"`) || !strings.HasSuffix(buf.String(), "\n") {
		t.Errorf("json = %q", buf.String())
	}
}
