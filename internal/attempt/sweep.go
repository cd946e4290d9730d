package attempt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aqrarportal/examengine/internal/model"
)

// SweepExpired finalizes every in-progress registration past its deadline and returns
// how many it finalized. A failure on one registration is logged and does not stop
// the sweep.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	regs, err := m.store.ListRegistrationsByStatus(ctx, model.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("list in-progress registrations: %w", err)
	}

	exams := make(map[int64]model.Exam)
	now := m.now()
	swept := 0
	for _, reg := range regs {
		exam, ok := exams[reg.ExamID]
		if !ok {
			if exam, err = m.store.GetExam(ctx, reg.ExamID); err != nil {
				slog.Error("sweep: load exam", "exam_id", reg.ExamID, "error", err)
				continue
			}
			exams[reg.ExamID] = exam
		}
		if !m.expired(reg, exam, now) {
			continue
		}
		// Expire re-checks under the registration lock; a learner may have
		// finalized in the meantime.
		updated, err := m.Expire(ctx, reg.ID)
		if err != nil {
			slog.Error("sweep: expire registration", "registration_id", reg.ID, "error", err)
			continue
		}
		if updated.Status != model.StatusInProgress {
			swept++
		}
	}
	return swept, nil
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.SweepExpired(ctx)
			if err != nil {
				slog.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired attempts finalized", "count", n)
			}
		}
	}
}
