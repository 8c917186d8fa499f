package aligner

import (
	"fmt"
	"os"

	"github.com/MrWong99/forcealign/internal/config"
	"github.com/MrWong99/forcealign/pkg/transcript"
)

// Resources are the loaded decoder resources: resolved binary and model
// paths plus the recogniser vocabulary.
type Resources struct {
	DecoderBinary       string
	GraphCompilerBinary string
	NnetDir             string
	ProtoLangDir        string

	Vocabulary transcript.Vocabulary
	OOV        string
}

// LoadResources checks that every configured resource exists and loads the
// vocabulary.
func LoadResources(cfg config.ResourcesConfig) (*Resources, error) {
	if err := config.CheckResources(cfg); err != nil {
		return nil, fmt.Errorf("aligner: %w", err)
	}

	res := &Resources{
		DecoderBinary:       cfg.Resolve(cfg.DecoderBinary),
		GraphCompilerBinary: cfg.Resolve(cfg.GraphCompilerBinary),
		NnetDir:             cfg.Resolve(cfg.NnetDir),
		ProtoLangDir:        cfg.Resolve(cfg.ProtoLangDir),
		OOV:                 cfg.OOVTerm,
	}

	path := cfg.Resolve(cfg.Vocabulary)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("aligner: open vocabulary: %w", err)
	}
	defer f.Close()
	if res.Vocabulary, err = transcript.LoadVocabulary(f); err != nil {
		return nil, fmt.Errorf("aligner: load vocabulary %q: %w", path, err)
	}
	return res, nil
}
