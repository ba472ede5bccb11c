package memory

import (
	"context"

	"github.com/fyrsmithlabs/phased/internal/orchestrator"
)

// RecordLearning stores a driver learning, so *Service satisfies
// orchestrator.MemoryRecorder.
func (s *Service) RecordLearning(ctx context.Context, namespace string, l orchestrator.Learning) error {
	_, err := s.Store(ctx, StoreRequest{
		Namespace:    namespace,
		Content:      l.Content,
		MemoryType:   l.MemoryType,
		QualityScore: l.Quality,
		Tags:         l.Tags,
		Agent:        "driver",
		Phase:        string(l.Phase),
	})
	return err
}

var _ orchestrator.MemoryRecorder = (*Service)(nil)
