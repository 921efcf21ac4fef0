package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relayhq/relay/internal/apierror"
	"github.com/relayhq/relay/model"
)

func (d Datasource) GetSocialAccount(ctx context.Context, id string) (*model.SocialAccount, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT account_id, workspace_id, platform, handle, COALESCE(access_token, ''), token_expires_at, created_at
		FROM social_accounts
		WHERE account_id = $1
	`, id)

	account, err := scanSocialAccount(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Social account with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve social account", err)
	}

	return account, nil
}

func (d Datasource) GetSocialAccountsByWorkspace(ctx context.Context, workspaceID string) ([]*model.SocialAccount, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT account_id, workspace_id, platform, handle, COALESCE(access_token, ''), token_expires_at, created_at
		FROM social_accounts
		WHERE workspace_id = $1
		ORDER BY id
	`, workspaceID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve social accounts", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*model.SocialAccount
	for rows.Next() {
		account, err := scanSocialAccount(rows.Scan)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan social account", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// scanSocialAccount reads one account row. A NULL token expiry stays a zero
// time, which the model treats as "does not expire".
func scanSocialAccount(scan func(dest ...interface{}) error) (*model.SocialAccount, error) {
	account := &model.SocialAccount{}
	var expiresAt sql.NullTime
	err := scan(&account.AccountID, &account.WorkspaceID, &account.Platform, &account.Handle, &account.AccessToken, &expiresAt, &account.CreatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		account.TokenExpiresAt = expiresAt.Time
	}
	return account, nil
}
