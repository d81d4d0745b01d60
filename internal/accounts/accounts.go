// Package accounts detects account identity changes from observed
// credentials and keeps the account registry and switch log in step.
package accounts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/Dicklesworthstone/caut/internal/storage"
)

// HashCredential fingerprints raw credential material. Only the hash is
// stored; the credential itself never touches the database.
func HashCredential(credential []byte) string {
	sum := sha256.Sum256(credential)
	return hex.EncodeToString(sum[:])
}

// SwitchResult reports what DetectSwitch observed.
type SwitchResult struct {
	AccountID string `json:"account_id"`
	Switched  bool   `json:"switched"`
	// FromAccountID is the previously seen account when a switch happened.
	FromAccountID *string `json:"from_account_id,omitempty"`
}

// DetectSwitch registers the observed (provider, email) identity and, when
// it differs from the provider's previously seen account, appends a switch
// log entry. The registry updates even when logging fails; history beats
// audit completeness here.
func DetectSwitch(store *storage.Store, provider, email, credentialHash string, trigger storage.SwitchTrigger) (SwitchResult, error) {
	if provider == "" || email == "" {
		return SwitchResult{}, fmt.Errorf("provider and email are required")
	}
	if trigger == "" {
		trigger = storage.SwitchManual
	}

	previous, err := store.LastSeenAccount(provider)
	if err != nil {
		return SwitchResult{}, err
	}

	acc := storage.Account{Provider: provider, Email: email}
	if credentialHash != "" {
		acc.CredentialHash = &credentialHash
	}
	id, err := store.UpsertAccount(acc)
	if err != nil {
		return SwitchResult{}, err
	}

	result := SwitchResult{AccountID: id}
	if previous == nil || previous.ID == id {
		return result, nil
	}

	result.Switched = true
	result.FromAccountID = &previous.ID
	if _, err := store.LogSwitch(provider, &previous.ID, id, trigger, nil, true, nil); err != nil {
		return result, fmt.Errorf("recording switch: %w", err)
	}
	return result, nil
}
