package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authwatch/internal/model"
	"authwatch/internal/util"
)

const (
	stmtInsertCredential = `
    INSERT INTO agent_credentials (
        agent_id, secret_hash, secret_encrypted, description, enabled, created_at
    ) VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	stmtGetCredential = `
    SELECT agent_id, secret_hash, secret_encrypted, description, enabled, created_at
    FROM agent_credentials WHERE agent_id = ?`
)

// CredentialRepository stores agent credentials keyed by agent id.
type CredentialRepository struct {
	client *ScyllaClient
}

func NewCredentialRepository(client *ScyllaClient, logger *zap.Logger) *CredentialRepository {
	return &CredentialRepository{client: client}
}

func (r *CredentialRepository) Create(ctx context.Context, cred *model.AgentCredential) error {
	applied, err := r.client.Query(stmtInsertCredential,
		cred.AgentID, cred.SecretHash, cred.SecretEncrypted,
		cred.Description, cred.Enabled, cred.CreatedAt).
		WithContext(ctx).
		ScanCAS(nil, nil, nil, nil, nil, nil)
	if err != nil {
		util.Error("Failed to create agent credential",
			zap.String("agent_id", cred.AgentID),
			zap.Error(err))
		return fmt.Errorf("failed to create agent credential: %w", err)
	}
	if !applied {
		return fmt.Errorf("agent credential already exists: %s", cred.AgentID)
	}

	return nil
}

func (r *CredentialRepository) GetByAgentID(ctx context.Context, agentID string) (*model.AgentCredential, error) {
	cred := &model.AgentCredential{}

	err := r.client.Query(stmtGetCredential, agentID).WithContext(ctx).Scan(
		&cred.AgentID, &cred.SecretHash, &cred.SecretEncrypted,
		&cred.Description, &cred.Enabled, &cred.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent credential: %w", err)
	}

	return cred, nil
}
