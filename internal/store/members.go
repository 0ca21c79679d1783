package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
)

const memberColumns = `id, organization_id, phone_number, name, status, created_at, updated_at`

func scanMember(row rowScanner) (*models.Member, error) {
	var m models.Member
	if err := row.Scan(&m.ID, &m.OrganizationID, &m.PhoneNumber, &m.Name, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *sqlStore) GetMember(ctx context.Context, id string) (*models.Member, error) {
	m, err := scanMember(s.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member %s: %w", id, err)
	}
	return m, nil
}

func (s *sqlStore) GetMemberByPhone(ctx context.Context, phone string) (*models.Member, error) {
	m, err := scanMember(s.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE phone_number = ?`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member by phone: %w", err)
	}
	return m, nil
}

func (s *sqlStore) SaveMember(ctx context.Context, m *models.Member) error {
	if m.PhoneNumber == "" {
		return models.ErrEmptyPhoneNumber
	}
	if !models.IsValidMemberStatus(m.Status) {
		return models.ErrInvalidMemberStatus
	}
	now := utc(time.Now())

	existing, err := s.GetMemberByPhone(ctx, m.PhoneNumber)
	switch {
	case err == nil:
		_, err = s.exec(ctx,
			`UPDATE members SET organization_id = ?, name = ?, status = ?, updated_at = ? WHERE id = ?`,
			m.OrganizationID, m.Name, m.Status, now, existing.ID,
		)
		if err != nil {
			return fmt.Errorf("update member: %w", err)
		}
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
		m.UpdatedAt = now
		slog.Debug("store.SaveMember: updated", "id", m.ID, "status", m.Status)
		return nil
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err = s.exec(ctx,
		`INSERT INTO members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OrganizationID, m.PhoneNumber, m.Name, m.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	slog.Debug("store.SaveMember: inserted", "id", m.ID, "status", m.Status)
	return nil
}

func (s *sqlStore) UpdateMemberStatus(ctx context.Context, id string, status models.MemberStatus, now time.Time) error {
	if !models.IsValidMemberStatus(status) {
		return models.ErrInvalidMemberStatus
	}
	res, err := s.exec(ctx, `UPDATE members SET status = ?, updated_at = ? WHERE id = ?`, status, utc(now), id)
	if err != nil {
		return fmt.Errorf("update member status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListMembers(ctx context.Context) ([]models.Member, error) {
	rows, err := s.query(ctx, `SELECT `+memberColumns+` FROM members ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}
