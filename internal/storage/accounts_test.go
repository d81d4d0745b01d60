package storage

import (
	"errors"
	"testing"
	"time"
)

func TestUpsertAccountKeepsID(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.UpsertAccount(Account{
		Provider:       "claude",
		Email:          "dev@example.com",
		Label:          ptr("work"),
		CredentialHash: ptr("abc123"),
	})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected a generated account id")
	}

	// Same natural key with a new label and no credential hash.
	id2, err := s.UpsertAccount(Account{
		Provider: "claude",
		Email:    "dev@example.com",
		Label:    ptr("personal"),
	})
	if err != nil {
		t.Fatalf("second UpsertAccount: %v", err)
	}
	if id2 != id1 {
		t.Errorf("upsert must keep the existing id: %s != %s", id2, id1)
	}

	acc, err := s.GetAccount(id1)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Label == nil || *acc.Label != "personal" {
		t.Errorf("label should be overwritten, got %v", acc.Label)
	}
	if acc.CredentialHash == nil || *acc.CredentialHash != "abc123" {
		t.Errorf("absent credential hash must not clear the stored one, got %v", acc.CredentialHash)
	}
	if acc.LastSeenAt == nil {
		t.Error("last_seen_at should be set after upsert")
	}
	if !acc.IsActive {
		t.Error("upserted account should be active")
	}
}

func TestUpsertAccountValidation(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.UpsertAccount(Account{Email: "dev@example.com"}); err == nil {
		t.Error("expected error for missing provider")
	}
	if _, err := s.UpsertAccount(Account{Provider: "claude"}); err == nil {
		t.Error("expected error for missing email")
	}
}

func TestUpsertAccountReactivates(t *testing.T) {
	s := openTestStore(t)

	id, err := s.UpsertAccount(Account{Provider: "claude", Email: "dev@example.com"})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if err := s.DeactivateAccount(id); err != nil {
		t.Fatalf("DeactivateAccount: %v", err)
	}

	if _, err := s.UpsertAccount(Account{Provider: "claude", Email: "dev@example.com"}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	acc, err := s.GetAccount(id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acc.IsActive {
		t.Error("upsert should reactivate a deactivated account")
	}
}

func TestSameEmailDifferentProviders(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.UpsertAccount(Account{Provider: "claude", Email: "dev@example.com"})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	id2, err := s.UpsertAccount(Account{Provider: "codex", Email: "dev@example.com"})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if id1 == id2 {
		t.Error("same email under different providers must be distinct accounts")
	}
}

func TestGetAccountNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetAccount("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeactivateAccount("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from deactivate, got %v", err)
	}
	if err := s.TouchAccount("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from touch, got %v", err)
	}
	if err := s.UpdateCredentialHash("missing", "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from credential update, got %v", err)
	}
}

func TestSetAccountLabel(t *testing.T) {
	s := openTestStore(t)

	id, err := s.UpsertAccount(Account{Provider: "claude", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	if err := s.SetAccountLabel(id, "work"); err != nil {
		t.Fatalf("SetAccountLabel: %v", err)
	}
	acc, err := s.GetAccount(id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Label == nil || *acc.Label != "work" {
		t.Errorf("label not set: %v", acc.Label)
	}

	if err := s.SetAccountLabel(id, ""); err != nil {
		t.Fatalf("clearing label: %v", err)
	}
	acc, err = s.GetAccount(id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Label != nil {
		t.Errorf("empty label should clear, got %v", acc.Label)
	}

	if err := s.SetAccountLabel("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindAccountAbsentIsNil(t *testing.T) {
	s := openTestStore(t)

	acc, err := s.FindAccount("claude", "nobody@example.com")
	if err != nil {
		t.Fatalf("FindAccount: %v", err)
	}
	if acc != nil {
		t.Errorf("expected nil for unknown natural key, got %+v", acc)
	}
}

func TestListAccountsFiltersInactive(t *testing.T) {
	s := openTestStore(t)

	idA, err := s.UpsertAccount(Account{Provider: "claude", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if _, err := s.UpsertAccount(Account{Provider: "claude", Email: "b@example.com"}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if _, err := s.UpsertAccount(Account{Provider: "codex", Email: "c@example.com"}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if err := s.DeactivateAccount(idA); err != nil {
		t.Fatalf("DeactivateAccount: %v", err)
	}

	active, err := s.ListAccounts("claude")
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(active) != 1 || active[0].Email != "b@example.com" {
		t.Errorf("expected only the active claude account, got %+v", active)
	}

	all, err := s.ListAllAccounts("claude")
	if err != nil {
		t.Fatalf("ListAllAccounts: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 claude accounts including inactive, got %d", len(all))
	}

	everyone, err := s.ListAllAccounts("")
	if err != nil {
		t.Fatalf("ListAllAccounts(all): %v", err)
	}
	if len(everyone) != 3 {
		t.Errorf("expected 3 accounts across providers, got %d", len(everyone))
	}
}

func TestLastSeenAccount(t *testing.T) {
	s := openTestStore(t)

	none, err := s.LastSeenAccount("claude")
	if err != nil {
		t.Fatalf("LastSeenAccount: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil with no accounts, got %+v", none)
	}

	idA, err := s.UpsertAccount(Account{Provider: "claude", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	idB, err := s.UpsertAccount(Account{Provider: "claude", Email: "b@example.com"})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	// Force distinct last_seen_at values; upserts in the same second tie.
	past := fmtTime(time.Now().Add(-time.Hour))
	if _, err := s.db.Exec("UPDATE accounts SET last_seen_at = ? WHERE id = ?", past, idA); err != nil {
		t.Fatalf("backdating account: %v", err)
	}

	last, err := s.LastSeenAccount("claude")
	if err != nil {
		t.Fatalf("LastSeenAccount: %v", err)
	}
	if last == nil || last.ID != idB {
		t.Errorf("expected most recently seen account %s, got %+v", idB, last)
	}

	// A deactivated account never wins.
	if err := s.DeactivateAccount(idB); err != nil {
		t.Fatalf("DeactivateAccount: %v", err)
	}
	last, err = s.LastSeenAccount("claude")
	if err != nil {
		t.Fatalf("LastSeenAccount: %v", err)
	}
	if last == nil || last.ID != idA {
		t.Errorf("expected fallback to active account %s, got %+v", idA, last)
	}
}
