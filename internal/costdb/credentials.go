package costdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CredentialStatus is the state of a configured provider credential.
// Valid transitions: active -> error (failed test or ingestion),
// error -> active (successful test or ingestion), any -> disabled
// (explicit user action only).
type CredentialStatus string

const (
	StatusActive   CredentialStatus = "active"
	StatusError    CredentialStatus = "error"
	StatusDisabled CredentialStatus = "disabled"
)

// ServicePrincipal is a configured credential set for one provider.
// Secret fields are stored in the clear here; masking happens at the API
// boundary (see Masked).
type ServicePrincipal struct {
	ID           string           `json:"id"`
	Provider     string           `json:"provider"`
	Name         string           `json:"name"`
	ClientID     string           `json:"client_id,omitempty"`
	ClientSecret string           `json:"client_secret,omitempty"`
	TenantID     string           `json:"tenant_id,omitempty"`
	PrivateKey   string           `json:"private_key,omitempty"`
	Status       CredentialStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	LastSync     *time.Time       `json:"last_sync,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Masked returns a copy safe for API responses: secret fields keep only
// their last four characters.
func (sp ServicePrincipal) Masked() ServicePrincipal {
	out := sp
	out.ClientSecret = maskSecret(sp.ClientSecret)
	out.PrivateKey = maskSecret(sp.PrivateKey)
	return out
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// ErrCredentialNotFound is returned when a service principal ID is unknown.
var ErrCredentialNotFound = fmt.Errorf("service principal not found")

// ErrInvalidTransition is returned for a credential status change that the
// state machine does not allow.
var ErrInvalidTransition = fmt.Errorf("invalid credential status transition")

// CredentialStore persists service principals.
type CredentialStore interface {
	Create(ctx context.Context, sp ServicePrincipal) (ServicePrincipal, error)
	Get(ctx context.Context, id string) (ServicePrincipal, error)
	GetByProvider(ctx context.Context, provider string) (ServicePrincipal, error)
	List(ctx context.Context) ([]ServicePrincipal, error)
	Update(ctx context.Context, sp ServicePrincipal) (ServicePrincipal, error)
	Delete(ctx context.Context, id string) error

	// SetStatus applies a state-machine transition. Transitions to
	// StatusDisabled must come from explicit user action; MarkSyncResult is
	// the path used by automated ingestion.
	SetStatus(ctx context.Context, id string, status CredentialStatus) (ServicePrincipal, error)

	// MarkSyncResult records the outcome of an ingestion or connection test:
	// success moves error->active and stamps LastSync, failure moves
	// active->error with the message. Disabled credentials are untouched.
	MarkSyncResult(ctx context.Context, id string, syncedAt time.Time, syncErr error) (ServicePrincipal, error)
}

// MemoryCredentialStore is a thread-safe in-memory CredentialStore.
type MemoryCredentialStore struct {
	mu         sync.RWMutex
	principals map[string]ServicePrincipal
}

var _ CredentialStore = (*MemoryCredentialStore)(nil)

// NewMemoryCredentialStore creates an empty MemoryCredentialStore.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{principals: make(map[string]ServicePrincipal)}
}

// Create implements CredentialStore. New credentials start active.
func (s *MemoryCredentialStore) Create(ctx context.Context, sp ServicePrincipal) (ServicePrincipal, error) {
	if err := ctx.Err(); err != nil {
		return ServicePrincipal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	if sp.Status == "" {
		sp.Status = StatusActive
	}
	now := time.Now().UTC()
	sp.CreatedAt = now
	sp.UpdatedAt = now
	s.principals[sp.ID] = sp
	return sp, nil
}

// Get implements CredentialStore.
func (s *MemoryCredentialStore) Get(ctx context.Context, id string) (ServicePrincipal, error) {
	if err := ctx.Err(); err != nil {
		return ServicePrincipal{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.principals[id]
	if !ok {
		return ServicePrincipal{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	return sp, nil
}

// GetByProvider implements CredentialStore. When several credentials exist
// for a provider the most recently updated one wins.
func (s *MemoryCredentialStore) GetByProvider(ctx context.Context, provider string) (ServicePrincipal, error) {
	if err := ctx.Err(); err != nil {
		return ServicePrincipal{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *ServicePrincipal
	for _, sp := range s.principals {
		if sp.Provider != provider {
			continue
		}
		if found == nil || sp.UpdatedAt.After(found.UpdatedAt) {
			cp := sp
			found = &cp
		}
	}
	if found == nil {
		return ServicePrincipal{}, fmt.Errorf("%w: provider %s", ErrCredentialNotFound, provider)
	}
	return *found, nil
}

// List implements CredentialStore, ordered by creation time.
func (s *MemoryCredentialStore) List(ctx context.Context) ([]ServicePrincipal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServicePrincipal, 0, len(s.principals))
	for _, sp := range s.principals {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update implements CredentialStore. Status is not updatable through this
// path; use SetStatus or MarkSyncResult.
func (s *MemoryCredentialStore) Update(ctx context.Context, sp ServicePrincipal) (ServicePrincipal, error) {
	if err := ctx.Err(); err != nil {
		return ServicePrincipal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.principals[sp.ID]
	if !ok {
		return ServicePrincipal{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, sp.ID)
	}
	sp.Status = existing.Status
	sp.ErrorMessage = existing.ErrorMessage
	sp.LastSync = existing.LastSync
	sp.CreatedAt = existing.CreatedAt
	sp.UpdatedAt = time.Now().UTC()
	// Empty secrets on update mean "keep the stored value" so clients can
	// round-trip masked responses.
	if sp.ClientSecret == "" {
		sp.ClientSecret = existing.ClientSecret
	}
	if sp.PrivateKey == "" {
		sp.PrivateKey = existing.PrivateKey
	}
	s.principals[sp.ID] = sp
	return sp, nil
}

// Delete implements CredentialStore.
func (s *MemoryCredentialStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.principals[id]; !ok {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	delete(s.principals, id)
	return nil
}

// SetStatus implements CredentialStore.
func (s *MemoryCredentialStore) SetStatus(ctx context.Context, id string, status CredentialStatus) (ServicePrincipal, error) {
	if err := ctx.Err(); err != nil {
		return ServicePrincipal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.principals[id]
	if !ok {
		return ServicePrincipal{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	if !validTransition(sp.Status, status) {
		return ServicePrincipal{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sp.Status, status)
	}
	sp.Status = status
	if status == StatusActive {
		sp.ErrorMessage = ""
	}
	sp.UpdatedAt = time.Now().UTC()
	s.principals[id] = sp
	return sp, nil
}

// MarkSyncResult implements CredentialStore.
func (s *MemoryCredentialStore) MarkSyncResult(ctx context.Context, id string, syncedAt time.Time, syncErr error) (ServicePrincipal, error) {
	if err := ctx.Err(); err != nil {
		return ServicePrincipal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.principals[id]
	if !ok {
		return ServicePrincipal{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	if sp.Status == StatusDisabled {
		return sp, nil
	}

	if syncErr != nil {
		sp.Status = StatusError
		sp.ErrorMessage = syncErr.Error()
	} else {
		sp.Status = StatusActive
		sp.ErrorMessage = ""
		t := syncedAt.UTC()
		sp.LastSync = &t
	}
	sp.UpdatedAt = time.Now().UTC()
	s.principals[id] = sp
	return sp, nil
}

// validTransition encodes the credential state machine. Disabled is a
// terminal state for automated paths; only an explicit re-enable (disabled
// -> active) by the user leaves it.
func validTransition(from, to CredentialStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusActive:
		return to == StatusError || to == StatusDisabled
	case StatusError:
		return to == StatusActive || to == StatusDisabled
	case StatusDisabled:
		return to == StatusActive
	}
	return false
}
