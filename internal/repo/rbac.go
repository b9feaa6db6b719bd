package repo

import (
	"context"
	"database/sql"

	"lockline/internal/db"
)

func (r Repo) AssignRole(ctx context.Context, q db.Querier, projectID, userID int64, role string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO project_roles(project_id, user_id, role) VALUES (?,?,?) ON CONFLICT DO NOTHING`, projectID, userID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, q db.Querier, projectID, userID int64, role string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM project_roles WHERE project_id=? AND user_id=? AND role=?`, projectID, userID, role)
	return err
}

func (r Repo) UserRoles(ctx context.Context, q db.Querier, projectID, userID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT role FROM project_roles WHERE project_id=? AND user_id=? ORDER BY role`, projectID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// AcceptLicense records that a user accepted a license.
func (r Repo) AcceptLicense(ctx context.Context, q db.Querier, userID, licenseID int64, now string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO user_licenses(user_id, license_id, accepted_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`, userID, licenseID, now)
	return err
}

func (r Repo) HasAcceptedLicense(ctx context.Context, q db.Querier, userID, licenseID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM user_licenses WHERE user_id=? AND license_id=?`, userID, licenseID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
