package internal

import (
	"bufio"
	"cmp"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
	"github.com/go-git/go-billy/v5"
	"gonum.org/v1/gonum/mat"
)

const GoldenTargetsFilename = "golden_targets.txt"

func TeacherPredsFilename(k int) string { return fmt.Sprintf("teacher_top%d_preds.txt", k) }

func StudentPredsFilename(k int) string { return fmt.Sprintf("student_top%d_preds.txt", k) }

// TopKRecorder appends teacher and student top-k predictions and the gold
// token of every non-pad row to three parallel text files.
type TopKRecorder struct {
	mu     sync.Mutex
	fs     billy.Filesystem
	k      int
	padIdx int64
}

func NewTopKRecorder(fs billy.Filesystem, k int, padIdx int64) (*TopKRecorder, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: top-k must be positive", ErrInvalidConfig)
	}
	return &TopKRecorder{fs: fs, k: k, padIdx: padIdx}, nil
}

// Record writes one line per non-pad row and returns how many rows it wrote.
func (t *TopKRecorder) Record(teacherLogits, studentLogits mat.Matrix, targets []int64) (int, error) {
	tr, tc := teacherLogits.Dims()
	sr, sc := studentLogits.Dims()
	if tr != sr || tc != sc || tr != len(targets) {
		return 0, fmt.Errorf("%w: teacher %dx%d, student %dx%d, %d targets", ErrDimensionMismatch, tr, tc, sr, sc, len(targets))
	}
	if t.k > tc {
		return 0, fmt.Errorf("%w: top-%d over %d classes", ErrInvalidConfig, t.k, tc)
	}

	var tea, stu, gold strings.Builder
	var rows int
	row := make([]float64, tc)
	for i, g := range targets {
		if g == t.padIdx {
			continue
		}
		writeIDs(&tea, TopK(mat.Row(row, i, teacherLogits), t.k))
		writeIDs(&stu, TopK(mat.Row(row, i, studentLogits), t.k))
		gold.WriteString(strconv.FormatInt(g, 10))
		gold.WriteByte('\n')
		rows++
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// gold goes last; a failed append cuts the earlier files back so the
	// three stay line-aligned
	files := []struct{ name, content string }{
		{TeacherPredsFilename(t.k), tea.String()},
		{StudentPredsFilename(t.k), stu.String()},
		{GoldenTargetsFilename, gold.String()},
	}
	sizes := make([]int64, len(files))
	for i, f := range files {
		size, err := appendFile(t.fs, f.name, f.content)
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = truncateFile(t.fs, files[j].name, sizes[j])
			}
			return 0, err
		}
		sizes[i] = size
	}
	return rows, nil
}

func writeIDs(sb *strings.Builder, ids []int) {
	for j, id := range ids {
		if j > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(id))
	}
	sb.WriteByte('\n')
}

// appendFile appends content to name and returns the size it had before.
func appendFile(fs billy.Filesystem, name, content string) (int64, error) {
	var size int64
	info, err := fs.Stat(name)
	switch {
	case err == nil:
		size = info.Size()
	case !os.IsNotExist(err):
		return 0, fmt.Errorf("stat %s: %w", name, err)
	}

	f, err := fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", name, err)
	}

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(content); err != nil {
		f.Close()
		return 0, fmt.Errorf("write %s: %w", name, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return 0, fmt.Errorf("flush %s: %w", name, err)
	}
	return size, f.Close()
}

func truncateFile(fs billy.Filesystem, name string, size int64) error {
	f, err := fs.OpenFile(name, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// TopK returns the indices of the k largest values, largest first. Ties
// go to the lower index.
func TopK(values []float64, k int) []int {
	h := heap.NewWith(func(a, b int) int {
		if c := cmp.Compare(values[a], values[b]); c != 0 {
			return c
		}
		return cmp.Compare(b, a)
	})
	for i := range values {
		h.Push(i)
		if h.Size() > k {
			h.Pop()
		}
	}

	out := make([]int, h.Size())
	for i := len(out) - 1; i >= 0; i-- {
		out[i], _ = h.Pop()
	}
	return out
}

// RecordCriterion dumps top-k predictions when a teacher is present and
// reports a zero training loss for those batches; without a teacher it is
// the exclusive label-smoothed loss.
type RecordCriterion struct {
	recorder *TopKRecorder
	eps      float64
	padIdx   int64
}

type RecordOutput struct {
	Loss    float64
	MLELoss float64
	NLLLoss float64
	Tokens  int
	Written int
}

func NewRecordCriterion(recorder *TopKRecorder, eps float64, padIdx int64) *RecordCriterion {
	return &RecordCriterion{recorder: recorder, eps: eps, padIdx: padIdx}
}

func (c *RecordCriterion) Compute(logits mat.Matrix, targets []int64, teacherLogits mat.Matrix) (*RecordOutput, error) {
	mle, err := ExclusiveLabelSmoothedNLLLoss(LogSoftmax(logits), targets, c.eps, c.padIdx, true)
	if err != nil {
		return nil, err
	}

	out := &RecordOutput{
		Loss:    mle.Loss,
		MLELoss: mle.Loss,
		NLLLoss: mle.NLL,
		Tokens:  mle.Tokens,
	}
	if teacherLogits == nil {
		return out, nil
	}

	written, err := c.recorder.Record(teacherLogits, logits, targets)
	if err != nil {
		return nil, fmt.Errorf("record predictions: %w", err)
	}
	out.Written = written
	out.Loss = 0
	return out, nil
}
