package internal

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureRecordsRoundTrip(t *testing.T) {
	records := collectorRecords()
	records[0].TeacherLogits = []float64{1, 2, 3}
	records[0].TeacherQuery = []float32{0.5, 0.5}

	var buf bytes.Buffer
	require.NoError(t, WriteFeatureRecords(&buf, records))
	assert.Equal(t, len(records), strings.Count(buf.String(), "\n"))

	got, err := ReadFeatureRecords(&buf)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestReadFeatureRecordsSkipsBlankLines(t *testing.T) {
	in := "{\"sentence\":1,\"target\":2,\"query\":[1]}\n\n{\"sentence\":1,\"target\":3,\"query\":[2]}\n"
	got, err := ReadFeatureRecords(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[1].Target)

	_, err = ReadFeatureRecords(strings.NewReader("{\"target\":1}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestRecordedModelBatches(t *testing.T) {
	model := NewRecordedModel(collectorRecords(), -1)

	batches := model.Batches(2)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1}, batches[0].Index)
	assert.Equal(t, []int64{1, -1}, batches[1].Targets)
	assert.Equal(t, []int64{3}, batches[2].Sentences)
	assert.Equal(t, int64(-1), batches[2].PadIndex)

	shuffled := model.ShuffledBatches(2, 42)
	var seen []int
	for _, b := range shuffled {
		seen = append(seen, b.Index...)
	}
	slices.Sort(seen)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
	assert.Equal(t, shuffled, model.ShuffledBatches(2, 42))
}

func TestRecordedModelSplit(t *testing.T) {
	model := NewRecordedModel(collectorRecords(), -1)

	train, valid := model.Split(0.4)
	assert.Equal(t, 3, train.Len())
	assert.Equal(t, 2, valid.Len())

	train, valid = model.Split(0)
	assert.Equal(t, 5, train.Len())
	assert.Zero(t, valid.Len())
}

func TestRecordedModelForward(t *testing.T) {
	ctx := context.Background()
	records := collectorRecords()
	model := NewRecordedModel(records, -1)

	out, err := model.Forward(ctx, model.Batches(2)[0])
	require.NoError(t, err)
	r, c := out.Logits.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, [][]float32{{1, 1}, {1, 1}}, out.EncoderHidden)
	assert.Nil(t, out.TeacherLogits)
	assert.Nil(t, out.TeacherQuery)

	out, err = model.Forward(ctx, &Batch{})
	require.NoError(t, err)
	r, _ = out.Logits.Dims()
	assert.Zero(t, r)

	_, err = model.Forward(ctx, &Batch{Index: []int{9}, Targets: []int64{0}})
	assert.Error(t, err)

	records[1].Logits = []float64{0, 0}
	_, err = model.Forward(ctx, &Batch{Index: []int{0, 1}, Targets: []int64{0, 2}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestRecordedModelForwardTeacher(t *testing.T) {
	records := collectorRecords()[:2]
	for i := range records {
		records[i].Hidden = nil
		records[i].TeacherLogits = []float64{1, 0, 0}
		records[i].TeacherQuery = []float32{float32(i), 1}
	}
	model := NewRecordedModel(records, -1)

	out, err := model.Forward(context.Background(), model.Batches(0)[0])
	require.NoError(t, err)
	require.NotNil(t, out.TeacherLogits)
	assert.Equal(t, 1.0, out.TeacherLogits.At(1, 0))
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}}, out.TeacherQuery)
	assert.Nil(t, out.EncoderHidden)

	records[1].TeacherQuery = nil
	out, err = model.Forward(context.Background(), model.Batches(0)[0])
	require.NoError(t, err)
	assert.NotNil(t, out.TeacherLogits)
	assert.Nil(t, out.TeacherQuery)
}
