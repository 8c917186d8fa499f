package align

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/MrWong99/forcealign/pkg/decoder"
	"github.com/MrWong99/forcealign/pkg/transcript"
)

// Transcription is the final alignment of a transcript against audio.
type Transcription struct {
	Transcript string
	Words      []Word
	Duration   float64
}

// Stats counts words per case.
type Stats struct {
	Success              int `json:"success"`
	NotFoundInAudio      int `json:"not-found-in-audio"`
	NotFoundInTranscript int `json:"not-found-in-transcript"`
	Total                int `json:"total"`
}

// Stats returns the per-case word counts.
func (t *Transcription) Stats() Stats {
	var s Stats
	for _, w := range t.Words {
		switch w.Case() {
		case Success:
			s.Success++
		case NotFoundInAudio:
			s.NotFoundInAudio++
		case NotFoundInTranscript:
			s.NotFoundInTranscript++
		}
	}
	s.Total = len(t.Words)
	return s
}

type jsonWord struct {
	Case        Case            `json:"case"`
	StartOffset *int            `json:"startOffset,omitempty"`
	EndOffset   *int            `json:"endOffset,omitempty"`
	Word        string          `json:"word"`
	AlignedWord string          `json:"alignedWord,omitempty"`
	Phones      *[]decoder.Phone `json:"phones,omitempty"`
	Start       *float64        `json:"start,omitempty"`
	End         *float64        `json:"end,omitempty"`
}

type jsonTranscription struct {
	Transcript string `json:"transcript"`
	Words      []Word `json:"words"`
}

// MarshalJSON implements [json.Marshaler]. Only the fields populated for the
// word's case are emitted.
func (w Word) MarshalJSON() ([]byte, error) {
	jw := jsonWord{Case: w.c, Word: w.Word()}
	if w.HasReference() {
		so, eo := w.ref.Start, w.ref.End
		jw.StartOffset, jw.EndOffset = &so, &eo
	}
	if w.HasTiming() {
		start, end := w.Start(), w.End()
		jw.AlignedWord = w.hyp.Word
		phones := w.hyp.Phones
		if phones == nil {
			phones = []decoder.Phone{}
		}
		jw.Phones = &phones
		jw.Start, jw.End = &start, &end
	}
	return json.Marshal(jw)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (w *Word) UnmarshalJSON(data []byte) error {
	var jw jsonWord
	if err := json.Unmarshal(data, &jw); err != nil {
		return err
	}
	var ref transcript.Token
	if jw.StartOffset != nil && jw.EndOffset != nil {
		ref = transcript.Token{Raw: jw.Word, Start: *jw.StartOffset, End: *jw.EndOffset}
	}
	var hyp decoder.Token
	if jw.Start != nil && jw.End != nil {
		hyp = decoder.Token{Word: jw.AlignedWord, Start: *jw.Start, Duration: *jw.End - *jw.Start}
		if jw.Phones != nil {
			hyp.Phones = *jw.Phones
		}
	}
	switch jw.Case {
	case Success:
		*w = NewSuccess(ref, hyp)
	case NotFoundInAudio:
		*w = NewNotFoundInAudio(ref)
	case NotFoundInTranscript:
		hyp.Word = jw.Word
		*w = NewNotFoundInTranscript(hyp)
	default:
		return fmt.Errorf("align: unknown word case %q", jw.Case)
	}
	return nil
}

// MarshalJSON implements [json.Marshaler].
func (t Transcription) MarshalJSON() ([]byte, error) {
	words := t.Words
	if words == nil {
		words = []Word{}
	}
	return json.Marshal(jsonTranscription{Transcript: t.Transcript, Words: words})
}

// UnmarshalJSON implements [json.Unmarshaler]. Duration is not part of the
// encoding and is left unchanged.
func (t *Transcription) UnmarshalJSON(data []byte) error {
	var jt jsonTranscription
	if err := json.Unmarshal(data, &jt); err != nil {
		return err
	}
	t.Transcript = jt.Transcript
	t.Words = jt.Words
	return nil
}

// WriteCSV writes one tab-separated line per reference word:
//
//	word	alignedWord	start	end
//
// Untimed words have empty aligned word and timing columns. Not-found-in-
// transcript words are omitted.
func (t *Transcription) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	for _, word := range t.Words {
		if !word.HasReference() {
			continue
		}
		rec := []string{word.Word(), "", "", ""}
		if word.HasTiming() {
			rec[1] = word.AlignedWord()
			rec[2] = formatSeconds(word.Start())
			rec[3] = formatSeconds(word.End())
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("align: write csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("align: write csv: %w", err)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
