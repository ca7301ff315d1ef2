package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// SourceCredentialSecret is the payload stored for a source account
type SourceCredentialSecret struct {
	AccountID    string    `json:"account_id"`
	RefreshToken string    `json:"refresh_token"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GCPRefreshTokenStore persists the rotating source refresh token in Google Cloud Secret Manager
type GCPRefreshTokenStore struct {
	client     *secretmanager.Client
	projectID  string
	accountID  string
	secretName string

	cacheMu sync.RWMutex
	cached  *SourceCredentialSecret
}

// NewGCPRefreshTokenStore creates a Secret Manager backed refresh token store for one source account
func NewGCPRefreshTokenStore(ctx context.Context, projectID, accountID string) (*GCPRefreshTokenStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("GCP project id not set")
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	return &GCPRefreshTokenStore{
		client:     client,
		projectID:  projectID,
		accountID:  accountID,
		secretName: BuildSecretName(projectID, accountID),
	}, nil
}

// Close closes the Secret Manager client
func (s *GCPRefreshTokenStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// BuildSecretName constructs the secret name for a source account
// Format: projects/{project}/secrets/source-refresh-token-{account_id}
func BuildSecretName(projectID, accountID string) string {
	return fmt.Sprintf("projects/%s/secrets/source-refresh-token-%s", projectID, sanitizeSecretID(accountID))
}

// LoadRefreshToken returns the stored token, or "" when no secret exists yet
func (s *GCPRefreshTokenStore) LoadRefreshToken(ctx context.Context) (string, error) {
	s.cacheMu.RLock()
	if s.cached != nil {
		token := s.cached.RefreshToken
		s.cacheMu.RUnlock()
		return token, nil
	}
	s.cacheMu.RUnlock()

	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.secretName + "/versions/latest",
	})
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to access secret: %w", err)
	}

	secret, err := decodeSecret(result.Payload.Data)
	if err != nil {
		return "", err
	}

	s.cacheMu.Lock()
	s.cached = secret
	s.cacheMu.Unlock()
	return secret.RefreshToken, nil
}

// SaveRefreshToken writes a new secret version holding token
func (s *GCPRefreshTokenStore) SaveRefreshToken(ctx context.Context, token string) error {
	now := time.Now()
	secret := &SourceCredentialSecret{AccountID: s.accountID, RefreshToken: token, CreatedAt: now, UpdatedAt: now}
	s.cacheMu.RLock()
	if s.cached != nil && !s.cached.CreatedAt.IsZero() {
		secret.CreatedAt = s.cached.CreatedAt
	}
	s.cacheMu.RUnlock()

	data, err := json.Marshal(secret)
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}

	// Try to create the secret first
	_, err = s.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", s.projectID),
		SecretId: extractSecretID(s.secretName),
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && !isAlreadyExistsError(err) {
		return fmt.Errorf("failed to create secret: %w", err)
	}

	_, err = s.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  s.secretName,
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	})
	if err != nil {
		return fmt.Errorf("failed to add secret version: %w", err)
	}

	s.cacheMu.Lock()
	s.cached = secret
	s.cacheMu.Unlock()
	return nil
}

func decodeSecret(data []byte) (*SourceCredentialSecret, error) {
	var secret SourceCredentialSecret
	if err := json.Unmarshal(data, &secret); err != nil {
		// older versions stored the bare token
		token := strings.TrimSpace(string(data))
		if token == "" || strings.ContainsAny(token, "{}\"") {
			return nil, fmt.Errorf("failed to unmarshal secret: %w", err)
		}
		return &SourceCredentialSecret{RefreshToken: token}, nil
	}
	return &secret, nil
}

// sanitizeSecretID removes or replaces invalid characters for GCP secret IDs
// Secret IDs can only contain alphanumeric characters, hyphens, and underscores
func sanitizeSecretID(input string) string {
	var result strings.Builder
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		} else {
			result.WriteRune('-')
		}
	}
	return result.String()
}

// extractSecretID extracts the secret ID from the full secret name
func extractSecretID(secretName string) string {
	parts := strings.Split(secretName, "/")
	if len(parts) >= 4 {
		return parts[3]
	}
	return secretName
}

func isAlreadyExistsError(err error) bool {
	return strings.Contains(err.Error(), "AlreadyExists") || strings.Contains(err.Error(), "already exists")
}

func isNotFoundError(err error) bool {
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "not found")
}
