package internal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"
)

const (
	MetaFilename      = "config.json"
	PartitionFilename = "dic.txt"
)

// Datastore holds the cached decoder states of a kNN-MT model as parallel
// fields. It is writable while being built and read-only once loaded.
type Datastore struct {
	mu         sync.RWMutex
	fs         billy.Filesystem
	fields     map[string]*Field
	indexes    map[string]VectorIndex
	indexMeta  map[string]indexMeta
	partitions [][]int64
	keyDType   DType
	readOnly   bool
	logger     *zap.Logger
	metrics    *Metrics
}

type indexMeta struct {
	Options   IndexOptions `json:"options"`
	Dimension int          `json:"dimension"`
}

type datastoreMeta struct {
	Fields     []Field              `json:"fields"`
	Indexes    map[string]indexMeta `json:"indexes,omitempty"`
	Partitions int                  `json:"partitions"`
}

type DatastoreOption func(*Datastore)

// WithKeyDType sets the storage dtype of the keys field.
func WithKeyDType(dtype DType) DatastoreOption {
	return func(d *Datastore) {
		d.keyDType = dtype
	}
}

func WithDatastoreLogger(logger *zap.Logger) DatastoreOption {
	return func(d *Datastore) {
		if logger != nil {
			d.logger = logger.With(zap.String("component", "datastore"))
		}
	}
}

func WithDatastoreMetrics(m *Metrics) DatastoreOption {
	return func(d *Datastore) {
		d.metrics = m
	}
}

// NewDatastore creates an empty, writable datastore persisted under fs.
func NewDatastore(fs billy.Filesystem, opts ...DatastoreOption) (*Datastore, error) {
	d := newDatastore(fs, opts...)
	if !d.keyDType.Valid() || d.keyDType == DTypeInt64 {
		return nil, fmt.Errorf("%w: key dtype %q", ErrInvalidConfig, d.keyDType)
	}

	d.fields[FieldKeys] = newVectorField(FieldKeys, d.keyDType)
	d.fields[FieldVals] = newScalarField(FieldVals)
	return d, nil
}

func newDatastore(fs billy.Filesystem, opts ...DatastoreOption) *Datastore {
	d := &Datastore{
		fs:        fs,
		fields:    make(map[string]*Field),
		indexes:   make(map[string]VectorIndex),
		indexMeta: make(map[string]indexMeta),
		keyDType:  DTypeFloat32,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Add appends one (key, value) pair.
func (d *Datastore) Add(ctx context.Context, key []float32, val int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readOnly {
		return ErrReadOnly
	}
	if err := d.fields[FieldKeys].appendVector(key); err != nil {
		return err
	}
	return d.fields[FieldVals].appendScalar(val)
}

// AddVector appends to an auxiliary vector field, creating it on first use.
func (d *Datastore) AddVector(name string, vec []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readOnly {
		return ErrReadOnly
	}
	f, ok := d.fields[name]
	if !ok {
		f = newVectorField(name, DTypeFloat32)
		d.fields[name] = f
	}
	return f.appendVector(vec)
}

// AddScalar appends to an auxiliary integer field, creating it on first use.
func (d *Datastore) AddScalar(name string, v int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readOnly {
		return ErrReadOnly
	}
	f, ok := d.fields[name]
	if !ok {
		f = newScalarField(name)
		d.fields[name] = f
	}
	return f.appendScalar(v)
}

// vectorDim reports the dimension of a vector field, 0 while it is empty.
func (d *Datastore) vectorDim(name string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.fields[name]
	if !ok {
		return 0, false
	}
	return f.Dim, true
}

// AddToPartition records that entry belongs to the coarse partition p.
func (d *Datastore) AddToPartition(p int, entry int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readOnly {
		return ErrReadOnly
	}
	if p < 0 {
		return fmt.Errorf("negative partition %d", p)
	}
	for len(d.partitions) <= p {
		d.partitions = append(d.partitions, nil)
	}
	d.partitions[p] = append(d.partitions[p], entry)
	return nil
}

func (d *Datastore) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lenLocked()
}

func (d *Datastore) lenLocked() int {
	if f, ok := d.fields[FieldVals]; ok {
		return f.Count
	}
	for _, f := range d.fields {
		return f.Count
	}
	return 0
}

// Validate checks that all fields hold the same number of entries.
func (d *Datastore) Validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := d.lenLocked()
	for _, name := range d.fieldNamesLocked() {
		if c := d.fields[name].Count; c != n {
			return fmt.Errorf("field %s has %d entries, expected %d", name, c, n)
		}
	}
	return nil
}

func (d *Datastore) Field(name string) (*Field, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	return f, nil
}

func (d *Datastore) FieldNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fieldNamesLocked()
}

func (d *Datastore) fieldNamesLocked() []string {
	names := make([]string, 0, len(d.fields))
	for name := range d.fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (d *Datastore) NumPartitions() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.partitions)
}

// Partition returns the entry ids of partition p, or nil when p is unknown.
func (d *Datastore) Partition(p int64) []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if p < 0 || int(p) >= len(d.partitions) {
		return nil
	}
	return d.partitions[p]
}

func (d *Datastore) ReadOnly() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.readOnly
}

// BuildIndex builds an ANN index over every entry of a vector field.
func (d *Datastore) BuildIndex(ctx context.Context, field string, opts IndexOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fields[field]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	if !f.IsVector() {
		return fmt.Errorf("cannot index scalar field %s", field)
	}

	idx, err := d.populateIndex(ctx, f, opts)
	if err != nil {
		return err
	}

	d.indexes[field] = idx
	d.indexMeta[field] = indexMeta{Options: opts, Dimension: f.Dim}

	d.logger.Info("built index",
		zap.String("field", field),
		zap.String("kind", string(opts.Kind)),
		zap.Int("entries", f.Count),
	)
	return nil
}

func (d *Datastore) populateIndex(ctx context.Context, f *Field, opts IndexOptions) (VectorIndex, error) {
	idx, err := newVectorIndex(opts, f.Dim)
	if err != nil {
		return nil, err
	}

	for i := 0; i < f.Count; i++ {
		if err := idx.Add(ctx, int64(i), f.Vector(i)); err != nil {
			return nil, fmt.Errorf("index %s entry %d: %w", f.Name, i, err)
		}
	}
	if err := idx.Build(ctx); err != nil {
		return nil, fmt.Errorf("build %s index: %w", f.Name, err)
	}
	return idx, nil
}

// Index returns the loaded index over field.
func (d *Datastore) Index(field string) (VectorIndex, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	idx, ok := d.indexes[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotBuilt, field)
	}
	return idx, nil
}

// Save persists raw fields, built indexes and the partition dictionary.
func (d *Datastore) Save(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.readOnly {
		return ErrReadOnly
	}

	meta := datastoreMeta{
		Indexes:    d.indexMeta,
		Partitions: len(d.partitions),
	}

	for _, name := range d.fieldNamesLocked() {
		f := d.fields[name]
		if err := d.writeField(f); err != nil {
			return err
		}
		meta.Fields = append(meta.Fields, *f)
	}

	for field, idx := range d.indexes {
		if err := idx.Save(d.fs, IndexFilename(field, d.indexMeta[field].Options.Kind)); err != nil {
			return fmt.Errorf("save %s index: %w", field, err)
		}
	}

	if err := d.writePartitions(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal datastore meta: %w", err)
	}
	if err := util.WriteFile(d.fs, MetaFilename, data, 0644); err != nil {
		return fmt.Errorf("write datastore meta: %w", err)
	}

	d.metrics.SetDatastoreEntries(d.lenLocked())
	d.logger.Info("saved datastore", zap.Int("entries", d.lenLocked()), zap.Int("partitions", len(d.partitions)))
	return nil
}

func (d *Datastore) writeField(f *Field) error {
	file, err := d.fs.Create(f.Name + ".bin")
	if err != nil {
		return fmt.Errorf("create field %s: %w", f.Name, err)
	}
	if err := f.writeTo(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (d *Datastore) writePartitions() error {
	if len(d.partitions) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, entries := range d.partitions {
		for i, e := range entries {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatInt(e, 10))
		}
		sb.WriteByte('\n')
	}

	if err := util.WriteFile(d.fs, PartitionFilename, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("write partitions: %w", err)
	}
	return nil
}

// LoadDatastore restores the named fields (all when fields is empty) as a
// read-only datastore. Indexes are loaded separately with LoadIndex.
func LoadDatastore(ctx context.Context, fs billy.Filesystem, fields []string, opts ...DatastoreOption) (*Datastore, error) {
	meta, err := readMeta(fs)
	if err != nil {
		return nil, err
	}

	d := newDatastore(fs, opts...)
	d.readOnly = true
	if meta.Indexes != nil {
		d.indexMeta = meta.Indexes
	}

	known := make(map[string]Field, len(meta.Fields))
	for _, f := range meta.Fields {
		known[f.Name] = f
	}
	if len(fields) == 0 {
		for name := range known {
			fields = append(fields, name)
		}
	}

	for _, name := range fields {
		spec, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, name)
		}
		f := spec
		if err := d.readField(&f); err != nil {
			return nil, err
		}
		d.fields[name] = &f
		if name == FieldKeys {
			d.keyDType = f.DType
		}
	}

	if err := d.readPartitions(meta.Partitions); err != nil {
		return nil, err
	}

	d.metrics.SetDatastoreEntries(d.lenLocked())
	d.logger.Info("loaded datastore",
		zap.Strings("fields", d.fieldNamesLocked()),
		zap.Int("entries", d.lenLocked()),
	)
	return d, nil
}

// ReadIndexOptions returns the persisted index options per field without
// reading any field data.
func ReadIndexOptions(fs billy.Filesystem) (map[string]IndexOptions, error) {
	meta, err := readMeta(fs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]IndexOptions, len(meta.Indexes))
	for field, m := range meta.Indexes {
		out[field] = m.Options
	}
	return out, nil
}

func readMeta(fs billy.Filesystem) (*datastoreMeta, error) {
	data, err := util.ReadFile(fs, MetaFilename)
	if err != nil {
		return nil, fmt.Errorf("read datastore meta: %w", err)
	}

	var meta datastoreMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal datastore meta: %w", err)
	}
	return &meta, nil
}

func (d *Datastore) readField(f *Field) error {
	file, err := d.fs.Open(f.Name + ".bin")
	if err != nil {
		return fmt.Errorf("open field %s: %w", f.Name, err)
	}
	defer file.Close()

	return f.readFrom(file)
}

func (d *Datastore) readPartitions(expected int) error {
	file, err := d.fs.Open(PartitionFilename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open partitions: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var entries []int64
		for _, tok := range strings.Fields(scanner.Text()) {
			v, err := strconv.ParseInt(tok, 10, 64)
			if err != nil {
				return fmt.Errorf("parse partition line %d: %w", len(d.partitions), err)
			}
			entries = append(entries, v)
		}
		d.partitions = append(d.partitions, entries)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read partitions: %w", err)
	}

	if expected > 0 && len(d.partitions) != expected {
		return fmt.Errorf("partition file has %d lines, expected %d", len(d.partitions), expected)
	}
	return nil
}

// LoadIndex restores the persisted index of field. Fields that were never
// indexed are a configuration error.
func (d *Datastore) LoadIndex(ctx context.Context, field string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta, ok := d.indexMeta[field]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotBuilt, field)
	}

	if meta.Options.Kind == IndexFlat {
		f, ok := d.fields[field]
		if !ok {
			return fmt.Errorf("flat index over %s needs the field loaded: %w", field, ErrUnknownField)
		}
		idx, err := d.populateIndex(ctx, f, meta.Options)
		if err != nil {
			return err
		}
		d.indexes[field] = idx
		return nil
	}

	idx, err := newVectorIndex(meta.Options, meta.Dimension)
	if err != nil {
		return err
	}
	if err := idx.Load(d.fs, IndexFilename(field, meta.Options.Kind)); err != nil {
		return fmt.Errorf("load %s index: %w", field, err)
	}

	d.indexes[field] = idx
	d.logger.Debug("loaded index", zap.String("field", field), zap.String("kind", string(meta.Options.Kind)))
	return nil
}

// IndexedFields returns the index options of every field that has a
// persisted or built index.
func (d *Datastore) IndexedFields() map[string]IndexOptions {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]IndexOptions, len(d.indexMeta))
	for field, meta := range d.indexMeta {
		out[field] = meta.Options
	}
	return out
}
