package internal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// FeatureRecord is one target position dumped by the host translation
// model: the decoder query, the mean-pooled encoder state, the output
// logits and optionally the teacher's logits and query.
type FeatureRecord struct {
	Sentence      int64     `json:"sentence"`
	Target        int64     `json:"target"`
	Query         []float32 `json:"query"`
	Hidden        []float32 `json:"hidden,omitempty"`
	Logits        []float64 `json:"logits,omitempty"`
	TeacherLogits []float64 `json:"teacher_logits,omitempty"`
	TeacherQuery  []float32 `json:"teacher_query,omitempty"`
}

// ReadFeatureRecords parses a JSONL stream, one record per line.
func ReadFeatureRecords(r io.Reader) ([]FeatureRecord, error) {
	var records []FeatureRecord

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 256*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec FeatureRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	return records, nil
}

func WriteFeatureRecords(w io.Writer, records []FeatureRecord) error {
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return nil
}

// RecordedModel replays dumped decoder outputs as a Model.
type RecordedModel struct {
	records []FeatureRecord
	padIdx  int64
}

var _ Model = (*RecordedModel)(nil)

func NewRecordedModel(records []FeatureRecord, padIdx int64) *RecordedModel {
	return &RecordedModel{records: records, padIdx: padIdx}
}

func (m *RecordedModel) Len() int { return len(m.records) }

// Batches splits the records into batches of at most size rows, in order.
func (m *RecordedModel) Batches(size int) []*Batch {
	return m.batchesOf(sequence(len(m.records)), size)
}

// ShuffledBatches is Batches over a permutation drawn from seed.
func (m *RecordedModel) ShuffledBatches(size int, seed uint64) []*Batch {
	idx := sequence(len(m.records))
	rng := rand.New(rand.NewPCG(seed, seed+1))
	rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return m.batchesOf(idx, size)
}

// Split partitions the records into two models, the second holding the
// trailing fraction.
func (m *RecordedModel) Split(fraction float64) (*RecordedModel, *RecordedModel) {
	n := len(m.records) - int(float64(len(m.records))*fraction)
	n = max(0, min(n, len(m.records)))
	return NewRecordedModel(m.records[:n], m.padIdx), NewRecordedModel(m.records[n:], m.padIdx)
}

func (m *RecordedModel) batchesOf(idx []int, size int) []*Batch {
	if size <= 0 {
		size = len(idx)
	}
	var batches []*Batch
	for start := 0; start < len(idx); start += size {
		end := min(start+size, len(idx))
		b := &Batch{
			Index:     idx[start:end],
			Targets:   make([]int64, 0, end-start),
			Sentences: make([]int64, 0, end-start),
			PadIndex:  m.padIdx,
		}
		for _, i := range b.Index {
			b.Targets = append(b.Targets, m.records[i].Target)
			b.Sentences = append(b.Sentences, m.records[i].Sentence)
		}
		batches = append(batches, b)
	}
	return batches
}

func (m *RecordedModel) Forward(ctx context.Context, batch *Batch) (*DecoderOutput, error) {
	if len(batch.Index) == 0 {
		return &DecoderOutput{Logits: &mat.Dense{}}, nil
	}

	out := &DecoderOutput{}
	var logits, teacher []float64
	var vocab int
	withHidden, withTeacher := true, true

	for _, i := range batch.Index {
		if i < 0 || i >= len(m.records) {
			return nil, fmt.Errorf("row %d outside the recorded stream", i)
		}
		rec := &m.records[i]
		if vocab == 0 {
			vocab = len(rec.Logits)
		}
		if len(rec.Logits) != vocab || vocab == 0 {
			return nil, fmt.Errorf("%w: record %d has %d logits, expected %d", ErrDimensionMismatch, i, len(rec.Logits), vocab)
		}

		out.Features = append(out.Features, rec.Query)
		logits = append(logits, rec.Logits...)

		withHidden = withHidden && rec.Hidden != nil
		out.EncoderHidden = append(out.EncoderHidden, rec.Hidden)

		withTeacher = withTeacher && len(rec.TeacherLogits) == vocab
		teacher = append(teacher, rec.TeacherLogits...)
		out.TeacherQuery = append(out.TeacherQuery, rec.TeacherQuery)
	}

	rows := len(batch.Index)
	out.Logits = mat.NewDense(rows, vocab, logits)
	if !withHidden {
		out.EncoderHidden = nil
	}
	if withTeacher {
		out.TeacherLogits = mat.NewDense(rows, vocab, teacher)
	} else {
		out.TeacherQuery = nil
	}
	for _, q := range out.TeacherQuery {
		if q == nil {
			out.TeacherQuery = nil
			break
		}
	}
	return out, nil
}

func sequence(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
