package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"
)

func (s *Store) LoadToken(ctx context.Context, accountName string) (*oauth2.Token, error) {
	var tokenJSON []byte
	err := s.db.QueryRowContext(ctx, `SELECT token FROM tokens WHERE account_name = ?`, accountName).Scan(&tokenJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &token, nil
}

func (s *Store) SaveToken(ctx context.Context, accountName string, token *oauth2.Token) error {
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO tokens (account_name, token) VALUES (?, ?)`, accountName, tokenJSON)
	return err
}

func (s *Store) DeleteToken(ctx context.Context, accountName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE account_name = ?`, accountName)
	return err
}
