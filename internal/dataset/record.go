// Package dataset turns preprocessed utterance records into padded,
// length-bucketed batches for the decoder.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
)

const maxLineBytes = 64 << 20

// Record is one preprocessed utterance. Source and Source2 are two encodings
// of the same text; Spec and Mel are [frames][width] spectrograms.
type Record struct {
	ID      int64       `json:"id"`
	Text    string      `json:"text"`
	Source  []int64     `json:"source"`
	Text2   string      `json:"text2,omitempty"`
	Source2 []int64     `json:"source2,omitempty"`
	Spec    [][]float32 `json:"spec"`
	Mel     [][]float32 `json:"mel"`
	// TargetLength defaults to the number of mel frames.
	TargetLength int64 `json:"target_length,omitempty"`
}

// SourceData is the text side of a record.
type SourceData struct {
	ID            int64
	Text          string
	Source        []int64
	SourceLength  int64
	Text2         string
	Source2       []int64
	SourceLength2 int64
}

// TargetData is the acoustic side of a record.
type TargetData struct {
	ID           int64
	Spec         [][]float32
	SpecWidth    int64
	Mel          [][]float32
	MelWidth     int64
	TargetLength int64
}

func (r Record) SourceData() SourceData {
	return SourceData{
		ID:            r.ID,
		Text:          r.Text,
		Source:        r.Source,
		SourceLength:  int64(len(r.Source)),
		Text2:         r.Text2,
		Source2:       r.Source2,
		SourceLength2: int64(len(r.Source2)),
	}
}

func (r Record) TargetData() TargetData {
	length := r.TargetLength
	if length == 0 {
		length = int64(len(r.Mel))
	}

	return TargetData{
		ID:           r.ID,
		Spec:         r.Spec,
		SpecWidth:    frameWidth(r.Spec),
		Mel:          r.Mel,
		MelWidth:     frameWidth(r.Mel),
		TargetLength: length,
	}
}

func (r Record) validate() error {
	if len(r.Source) == 0 {
		return fmt.Errorf("record %d has an empty source", r.ID)
	}

	if len(r.Mel) == 0 {
		return fmt.Errorf("record %d has no mel frames", r.ID)
	}

	for name, frames := range map[string][][]float32{"spec": r.Spec, "mel": r.Mel} {
		width := frameWidth(frames)
		for i, f := range frames {
			if int64(len(f)) != width {
				return fmt.Errorf("record %d %s frame %d has width %d, want %d", r.ID, name, i, len(f), width)
			}
		}
	}

	return nil
}

// Reader decodes JSON lines records.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	return &Reader{sc: sc}
}

// Next returns the next record, or io.EOF after the last one. Blank lines
// are skipped.
func (r *Reader) Next() (Record, error) {
	for r.sc.Scan() {
		r.line++

		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return Record{}, fmt.Errorf("dataset: line %d: %w", r.line, err)
		}

		if err := rec.validate(); err != nil {
			return Record{}, fmt.Errorf("dataset: line %d: %w", r.line, err)
		}

		return rec, nil
	}

	if err := r.sc.Err(); err != nil {
		return Record{}, fmt.Errorf("dataset: read: %w", err)
	}

	return Record{}, io.EOF
}

// ReadAll reads every remaining record.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}

		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}
}

// ReadFile reads all records of a JSON lines file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open: %w", err)
	}
	defer f.Close()

	return NewReader(f).ReadAll()
}

func frameWidth(frames [][]float32) int64 {
	if len(frames) == 0 {
		return 0
	}

	return int64(len(frames[0]))
}
