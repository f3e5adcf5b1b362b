package partition

import (
	"context"

	"github.com/google/uuid"
)

// OutstandingLister is the slice of the store the partitioner reads from. The
// outstanding set is always recomputed from persisted status rows, never
// carried in memory across runs, which is what makes resume-after-crash work.
type OutstandingLister interface {
	OutstandingSeries(ctx context.Context, surveyCode string, cycleID uuid.UUID) ([]string, error)
}

// Partitioner yields fixed-size batches of series ids still outstanding in a
// cycle. The last batch may be short.
type Partitioner struct {
	store      OutstandingLister
	surveyCode string
	cycleID    uuid.UUID
	batchSize  int
	filter     func(string) bool
	batches    [][]string
}

func New(store OutstandingLister, surveyCode string, cycleID uuid.UUID, batchSize int, filter func(string) bool) *Partitioner {
	if batchSize <= 0 {
		batchSize = 1
	}
	if filter == nil {
		filter = func(string) bool { return true }
	}
	return &Partitioner{
		store:      store,
		surveyCode: surveyCode,
		cycleID:    cycleID,
		batchSize:  batchSize,
		filter:     filter,
	}
}

// Load recomputes the outstanding set and chunks it. It returns the number of
// outstanding series; zero means the cycle has nothing left to do.
func (p *Partitioner) Load(ctx context.Context) (int, error) {
	ids, err := p.store.OutstandingSeries(ctx, p.surveyCode, p.cycleID)
	if err != nil {
		return 0, err
	}

	filtered := make([]string, 0, len(ids))
	for _, id := range ids {
		if p.filter(id) {
			filtered = append(filtered, id)
		}
	}

	p.batches = Chunk(filtered, p.batchSize)
	return len(filtered), nil
}

// Next pops the next batch. ok is false once the sequence is exhausted.
func (p *Partitioner) Next() (batch []string, ok bool) {
	if len(p.batches) == 0 {
		return nil, false
	}
	batch = p.batches[0]
	p.batches = p.batches[1:]
	return batch, true
}

// Remaining reports how many batches are left.
func (p *Partitioner) Remaining() int {
	return len(p.batches)
}

// Chunk splits ids into slices of at most size elements, preserving order.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 || len(ids) == 0 {
		return nil
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}
