package secrets

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/google/uuid"
	"github.com/mtzanidakis/modelswarm/internal/store"
)

// RefPrefix marks a setting value that names a vault secret.
const RefPrefix = "secret:"

// minRedactLen keeps short values from redacting unrelated text.
const minRedactLen = 8

// Backend is the persistence the resolver needs; *store.Store satisfies it.
type Backend interface {
	SaveSecret(sec *store.Secret) error
	GetSecretByName(name string) (*store.Secret, error)
	ListSecrets() ([]store.Secret, error)
	DeleteSecret(id string) error
}

// Resolver stores named secrets and expands references to them.
type Resolver struct {
	vault   *Vault
	backend Backend
}

func NewResolver(v *Vault, backend Backend) *Resolver {
	return &Resolver{vault: v, backend: backend}
}

// Put encrypts value and stores it under name, replacing any previous value.
func (r *Resolver) Put(name, description string, value []byte) error {
	if name == "" {
		return fmt.Errorf("secret name is required")
	}
	ciphertext, nonce, err := r.vault.Seal(value)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	existing, err := r.backend.GetSecretByName(name)
	if err != nil {
		return err
	}
	if existing != nil {
		id = existing.ID
	}

	return r.backend.SaveSecret(&store.Secret{
		ID:          id,
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	})
}

// Get decrypts the secret stored under name.
func (r *Resolver) Get(name string) ([]byte, error) {
	sec, err := r.backend.GetSecretByName(name)
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, fmt.Errorf("secret %q not found", name)
	}
	return r.vault.Open(sec.Value, sec.Nonce)
}

func (r *Resolver) List() ([]store.Secret, error) {
	return r.backend.ListSecrets()
}

// Delete removes the secret stored under name.
func (r *Resolver) Delete(name string) error {
	sec, err := r.backend.GetSecretByName(name)
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", name)
	}
	return r.backend.DeleteSecret(sec.ID)
}

// Resolve expands value when it is a secret reference and returns it
// unchanged otherwise.
func (r *Resolver) Resolve(value string) (string, error) {
	name, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return value, nil
	}
	plaintext, err := r.Get(name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", value, err)
	}
	return string(plaintext), nil
}

// ResolveSettings returns a copy of settings with every secret reference
// expanded. Unresolvable references are dropped and logged; the remaining
// settings are still returned so one missing credential does not take the
// whole provider down.
func (r *Resolver) ResolveSettings(settings map[string]string) map[string]string {
	out := maps.Clone(settings)
	for k, v := range out {
		if !strings.HasPrefix(v, RefPrefix) {
			continue
		}
		resolved, err := r.Resolve(v)
		if err != nil {
			slog.Warn("failed to resolve provider secret", "setting", k, "ref", v, "error", err)
			delete(out, k)
			continue
		}
		out[k] = resolved
	}
	return out
}

// Redact replaces every plaintext value of the referenced secrets found in
// content with [REDACTED].
func (r *Resolver) Redact(content string, refs map[string]string) string {
	for _, v := range refs {
		name, ok := strings.CutPrefix(v, RefPrefix)
		if !ok {
			continue
		}
		plaintext, err := r.Get(name)
		if err != nil || len(plaintext) < minRedactLen {
			continue
		}
		if strings.Contains(content, string(plaintext)) {
			slog.Warn("redacted secret from model output", "secret", name)
			content = strings.ReplaceAll(content, string(plaintext), "[REDACTED]")
		}
	}
	return content
}
