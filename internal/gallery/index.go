package gallery

import (
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Label pairs a matrix row with the identity it belongs to.
type Label struct {
	TargetID    string
	DisplayName string
}

// Index answers nearest-neighbor queries over the enrolled embeddings.
// Rows are L2-normalized, so the matrix-vector product against a
// normalized query is cosine similarity. Built once at recognition worker
// start; not mutated during a run.
type Index struct {
	threshold float64
	matrix    *mat.Dense // M x D, unit-norm rows
	labels    []Label    // labels[i] corresponds to matrix row i
	dim       int
}

// MatchResult is the outcome of one query. Similarity is populated even
// for sub-threshold queries so callers can log near-misses.
type MatchResult struct {
	Matched     bool
	TargetID    string
	DisplayName string
	Similarity  float64
}

// NewIndex builds the index from enrolled identities. Iteration follows
// the given order so row assignment is deterministic; identities with no
// embeddings are skipped silently.
func NewIndex(identities map[string]*Identity, order []string, threshold float64) *Index {
	idx := &Index{threshold: threshold}

	if order == nil {
		order = make([]string, 0, len(identities))
		for k := range identities {
			order = append(order, k)
		}
	}

	var rows [][]float64
	for _, key := range order {
		id, ok := identities[key]
		if !ok || len(id.Embeddings) == 0 {
			continue
		}
		name := id.Name
		if name == "" {
			name = id.TargetID
		}
		for _, emb := range id.Embeddings {
			if len(emb) == 0 {
				continue
			}
			if idx.dim == 0 {
				idx.dim = len(emb)
			}
			if len(emb) != idx.dim {
				log.Printf("[Gallery] %s: embedding dim %d != %d, skipping sample", id.TargetID, len(emb), idx.dim)
				continue
			}
			rows = append(rows, normalize(emb))
			idx.labels = append(idx.labels, Label{TargetID: id.TargetID, DisplayName: name})
		}
	}

	if len(rows) > 0 {
		idx.matrix = mat.NewDense(len(rows), idx.dim, nil)
		for i, row := range rows {
			idx.matrix.SetRow(i, row)
		}
	}
	return idx
}

// Size returns the number of indexed embedding rows.
func (idx *Index) Size() int { return len(idx.labels) }

// Dim returns the embedding dimension (0 for an empty index).
func (idx *Index) Dim() int { return idx.dim }

// Row returns a copy of a matrix row. Intended for tests and diagnostics.
func (idx *Index) Row(i int) []float64 {
	return mat.Row(nil, i, idx.matrix)
}

// Match finds the nearest enrolled embedding by cosine similarity.
// Empty index or nil query returns a zero result. Ties resolve to the
// lowest row index.
func (idx *Index) Match(query []float64) MatchResult {
	if idx.matrix == nil || query == nil || len(query) != idx.dim {
		return MatchResult{}
	}

	q := mat.NewVecDense(idx.dim, normalize(query))
	m, _ := idx.matrix.Dims()
	sims := mat.NewVecDense(m, nil)
	sims.MulVec(idx.matrix, q)

	best := 0
	bestSim := sims.AtVec(0)
	for i := 1; i < m; i++ {
		if s := sims.AtVec(i); s > bestSim {
			bestSim = s
			best = i
		}
	}

	if bestSim < idx.threshold {
		return MatchResult{Similarity: bestSim}
	}
	return MatchResult{
		Matched:     true,
		TargetID:    idx.labels[best].TargetID,
		DisplayName: idx.labels[best].DisplayName,
		Similarity:  bestSim,
	}
}

// normalize returns v / (||v|| + 1e-12) as a fresh slice.
func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum) + 1e-12
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// Normalize is the exported form used by enrollment before persisting
// samples.
func Normalize(v []float64) []float64 { return normalize(v) }
