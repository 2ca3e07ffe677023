package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "tanya@example.com",
		Password: "supersafe",
		FullName: "Tanya Tenant",
	}

	ctx := context.Background()
	principal, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if principal.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, principal.Email)
	}
	if principal.Role != RoleTenant {
		t.Fatalf("register: expected default role %s got %s", RoleTenant, principal.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Principal.ID != principal.ID {
		t.Fatalf("login: expected principal id %q got %q", principal.ID, resp.Principal.ID)
	}

	tokenID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenID != principal.ID {
		t.Fatalf("verify token: expected %q got %q", principal.ID, tokenID)
	}
	if tokenRole != RoleTenant {
		t.Fatalf("verify token: expected role %s got %s", RoleTenant, tokenRole)
	}
}

func TestService_RegisterRoles(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	for i, role := range []Role{RoleTenant, RoleLandlord, RoleArbitrator} {
		principal, err := svc.Register(ctx, RegisterRequest{
			Email:    fmt.Sprintf("party%d@example.com", i),
			Password: "strongpassword",
			FullName: "Party",
			Role:     role,
		})
		if err != nil {
			t.Fatalf("register %s: %v", role, err)
		}
		if principal.Role != role {
			t.Fatalf("expected role %s got %s", role, principal.Role)
		}
	}

	if _, err := svc.Register(ctx, RegisterRequest{
		Email:    "auditor@example.com",
		Password: "strongpassword",
		FullName: "Auditor",
		Role:     "auditor",
	}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "tanya@example.com",
		Password: "short",
		FullName: "Tanya Tenant",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "tanya@example.com",
		Password: "strongpassword",
		FullName: "Tanya Tenant",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

type fakeRepository struct {
	byEmail map[string]Principal
	byID    map[string]Principal
	nextID  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		byEmail: make(map[string]Principal),
		byID:    make(map[string]Principal),
		nextID:  1,
	}
}

func (f *fakeRepository) CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error) {
	if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
		return Principal{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("principal-%d", f.nextID)
	f.nextID++

	principal := Principal{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.byEmail[strings.ToLower(principal.Email)] = principal
	f.byID[principal.ID] = principal

	return principal, nil
}

func (f *fakeRepository) GetPrincipalByEmail(ctx context.Context, email string) (Principal, error) {
	principal, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return principal, nil
}

func (f *fakeRepository) GetPrincipalByID(ctx context.Context, id string) (Principal, error) {
	principal, ok := f.byID[id]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return principal, nil
}
