package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authwatch/internal/encryption"
	"authwatch/internal/hashing"
	"authwatch/internal/model"
	"authwatch/internal/util"
)

var ErrUnknownAgent = errors.New("unknown agent")

// ProvisionedCredential carries the plaintext secret exactly once, in
// the provisioning response.
type ProvisionedCredential struct {
	AgentID string `json:"agent_id"`
	Secret  string `json:"secret"`
}

// CredentialService provisions and retrieves agent credentials. Secrets
// are stored as an argon2 hash for verification plus an envelope-
// encrypted copy for operator retrieval.
type CredentialService struct {
	creds  model.CredentialRepository
	hasher *hashing.Hasher
	enc    *encryption.Manager
}

func NewCredentialService(creds model.CredentialRepository, hasher *hashing.Hasher, enc *encryption.Manager) *CredentialService {
	return &CredentialService{
		creds:  creds,
		hasher: hasher,
		enc:    enc,
	}
}

// Provision creates a credential for a new agent and returns the
// generated secret.
func (s *CredentialService) Provision(ctx context.Context, agentID, description string) (*ProvisionedCredential, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	secret, err := hashing.GenerateSecret()
	if err != nil {
		return nil, err
	}

	hash, err := s.hasher.HashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to hash agent secret: %w", err)
	}

	sealed, err := s.enc.EncryptSecret(ctx, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal agent secret: %w", err)
	}

	err = s.creds.Create(ctx, &model.AgentCredential{
		AgentID:         agentID,
		SecretHash:      hash,
		SecretEncrypted: sealed,
		Description:     description,
		Enabled:         true,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	util.Info("Agent credential provisioned",
		zap.String("agent_id", agentID))

	return &ProvisionedCredential{AgentID: agentID, Secret: secret}, nil
}

// Reveal decrypts the stored secret for an operator re-issuing an agent
// config.
func (s *CredentialService) Reveal(ctx context.Context, agentID string) (string, error) {
	cred, err := s.creds.GetByAgentID(ctx, agentID)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", ErrUnknownAgent
	}

	secret, err := s.enc.DecryptSecret(ctx, cred.SecretEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to unseal agent secret: %w", err)
	}

	util.Info("Agent credential revealed",
		zap.String("agent_id", agentID))
	return secret, nil
}
