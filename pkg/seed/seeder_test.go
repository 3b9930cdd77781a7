package seed

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

func TestRunSeedCapturesPanic(t *testing.T) {
	err := runSeed(context.Background(), nil, "acme", func(ctx context.Context, db *pgxpool.Pool, tenantID string) error {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunSeedPropagatesError(t *testing.T) {
	want := errors.New("insert failed")
	err := runSeed(context.Background(), nil, "acme", func(ctx context.Context, db *pgxpool.Pool, tenantID string) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunSeedPassesTenantID(t *testing.T) {
	var got string
	_ = runSeed(context.Background(), nil, "acme", func(ctx context.Context, db *pgxpool.Pool, tenantID string) error {
		got = tenantID
		return nil
	})
	if got != "acme" {
		t.Fatalf("tenantID = %s", got)
	}
}

func TestSeedTenantNilFunc(t *testing.T) {
	s := NewSeeder(schema.NewManager(nil, nil, zerolog.Nop()), nil, zerolog.Nop())
	res := s.SeedTenant(context.Background(), "acme", nil)
	if res.Success || res.Error == "" {
		t.Fatalf("res = %+v", res)
	}
}

func TestSeedTenantInvalidID(t *testing.T) {
	s := NewSeeder(schema.NewManager(nil, nil, zerolog.Nop()), nil, zerolog.Nop())
	res := s.SeedTenant(context.Background(), "bad tenant!", func(ctx context.Context, db *pgxpool.Pool, tenantID string) error {
		t.Error("seed function must not run for invalid id")
		return nil
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "invalid tenant identifier") {
		t.Fatalf("error = %s", res.Error)
	}
}
