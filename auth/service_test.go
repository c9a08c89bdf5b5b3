package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret")

	req := RegisterRequest{
		Email:    "Alice@Example.com",
		Password: "supersafe",
		FullName: "Alice Submitter",
	}

	ctx := context.Background()
	account, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if account.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", account.Email)
	}
	if account.Role != RoleParticipant {
		t.Fatalf("register: expected default role %s got %s", RoleParticipant, account.Role)
	}
	if account.ID == "" {
		t.Fatal("register: expected generated id")
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Account.ID != account.ID {
		t.Fatalf("login: expected account id %q got %q", account.ID, resp.Account.ID)
	}

	claims, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.AccountID != account.ID || claims.Role != RoleParticipant {
		t.Fatalf("verify token: got %+v", claims)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{Password: "strongpassword"}); err == nil {
		t.Fatal("expected validation error for missing email")
	}

	_, err = svc.Register(context.Background(), RegisterRequest{Email: "x@example.com", Password: "strongpassword", Role: "broker"})
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestService_DuplicateAccount(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret")

	req := RegisterRequest{Email: "alice@example.com", Password: "strongpassword"}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}

	_, err := svc.Register(context.Background(), RegisterRequest{ID: "court", Email: "court@example.com", Password: "strongpassword", Role: RoleArbitrator})
	if err != nil {
		t.Fatalf("register court: %v", err)
	}
	_, err = svc.Register(context.Background(), RegisterRequest{ID: "court", Email: "other@example.com", Password: "strongpassword"})
	if !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}
}

func TestService_EnsureIsIdempotent(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret")
	req := RegisterRequest{ID: "ops", Email: "ops@example.com", Password: "strongpassword", Role: RoleOperator}

	first, err := svc.Ensure(context.Background(), req)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := svc.Ensure(context.Background(), req)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first.ID != "ops" || second.ID != "ops" {
		t.Fatalf("expected stable id, got %q and %q", first.ID, second.ID)
	}

	req.Role = RoleArbitrator
	if _, err := svc.Ensure(context.Background(), req); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected role conflict, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{Email: "unknown@example.com", Password: "irrelevant"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{Email: "bob@example.com", Password: "strongpassword"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = svc.Login(context.Background(), LoginRequest{Email: "bob@example.com", Password: "wrongpassword"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_VerifyTokenRejects(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(NewMemoryRepository(), "test-secret").
		WithClock(func() time.Time { return now }).
		WithTokenTTL(time.Hour)

	token, err := svc.IssueToken("court", RoleArbitrator)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if claims, err := svc.VerifyToken(token); err != nil || claims.Role != RoleArbitrator {
		t.Fatalf("expected valid arbitrator token, got %+v %v", claims, err)
	}

	other := NewService(NewMemoryRepository(), "other-secret").WithClock(func() time.Time { return now })
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry failure, got %v", err)
	}

	if _, err := svc.VerifyToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected parse failure, got %v", err)
	}
}
