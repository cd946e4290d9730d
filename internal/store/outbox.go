package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aqrarportal/examengine/internal/model"
)

const certificateEventColumns = `id, registration_id, user_id, exam_id, score, status, certificate_id,
	error, created_at, delivered_at`

// InsertCertificateEvent records a certificate request for a passed registration.
// inserted is false when the registration already has one; the caller must then not
// emit the event again.
func (s *Queries) InsertCertificateEvent(ctx context.Context, req model.CertificateRequest, now time.Time) (inserted bool, err error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO certificate_events (id, registration_id, user_id, exam_id, score, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (registration_id) DO NOTHING`,
		req.EventID, req.RegistrationID, req.UserID, req.ExamID, req.Score,
		string(model.CertificatePending), toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("insert certificate event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanCertificateEvent(row interface{ Scan(...any) error }) (model.CertificateEvent, error) {
	var (
		ev        model.CertificateEvent
		status    string
		created   int64
		delivered sql.NullInt64
	)
	err := row.Scan(&ev.Request.EventID, &ev.Request.RegistrationID, &ev.Request.UserID,
		&ev.Request.ExamID, &ev.Request.Score, &status, &ev.CertificateID, &ev.Error,
		&created, &delivered)
	if err != nil {
		return model.CertificateEvent{}, err
	}
	ev.Status = model.CertificateEventStatus(status)
	ev.CreatedAt = fromMillis(created)
	ev.DeliveredAt = fromNullMillis(delivered)
	return ev, nil
}

// GetCertificateEvent returns the certificate event of a registration.
func (s *Queries) GetCertificateEvent(ctx context.Context, registrationID int64) (model.CertificateEvent, error) {
	ev, err := scanCertificateEvent(s.q.QueryRowContext(ctx,
		`SELECT `+certificateEventColumns+` FROM certificate_events WHERE registration_id = $1`, registrationID))
	if err != nil {
		return model.CertificateEvent{}, notFound(err, "certificate event for registration", registrationID)
	}
	return ev, nil
}

// PendingCertificateEvents returns undelivered events, oldest first.
func (s *Queries) PendingCertificateEvents(ctx context.Context) ([]model.CertificateEvent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+certificateEventColumns+` FROM certificate_events WHERE status = $1 ORDER BY created_at, id`,
		string(model.CertificatePending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []model.CertificateEvent
	for rows.Next() {
		ev, err := scanCertificateEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkCertificateDelivered records the generator's certificate id on the event and on
// the registration.
func (s *Queries) MarkCertificateDelivered(ctx context.Context, eventID, certificateID string, now time.Time) error {
	var registrationID int64
	err := s.q.QueryRowContext(ctx,
		`UPDATE certificate_events SET status = $1, certificate_id = $2, error = '', delivered_at = $3
		 WHERE id = $4
		 RETURNING registration_id`,
		string(model.CertificateDelivered), certificateID, toMillis(now), eventID,
	).Scan(&registrationID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("certificate event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("mark certificate event %s delivered: %w", eventID, err)
	}
	if _, err := s.q.ExecContext(ctx,
		`UPDATE registrations SET certificate_id = $1 WHERE id = $2`, certificateID, registrationID,
	); err != nil {
		return fmt.Errorf("store certificate id on registration %d: %w", registrationID, err)
	}
	return nil
}

// MarkCertificateFailed records a delivery failure. Failed events are not retried.
func (s *Queries) MarkCertificateFailed(ctx context.Context, eventID, reason string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE certificate_events SET status = $1, error = $2 WHERE id = $3`,
		string(model.CertificateFailed), reason, eventID,
	)
	if err != nil {
		return fmt.Errorf("mark certificate event %s failed: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("certificate event %s: %w", eventID, ErrNotFound)
	}
	return nil
}
