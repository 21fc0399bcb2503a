package v1

// Neighbor is one retrieved datastore entry.
type Neighbor struct {
	Entry    int64   `json:"entry"`
	Token    int64   `json:"token"`
	Distance float64 `json:"distance"`
}

// Step is one decoder step over a batch of rows, as produced by the host
// translation model. Hiddens may be nil.
type Step struct {
	Queries [][]float32
	Hiddens [][]float32
	Logits  [][]float64
}
