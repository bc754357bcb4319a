//go:build integration

// Integration-only: spins up a real dolt sql-server via testcontainers
// and exercises Peer against it. Excluded from the default test run
// (mirrors the teacher's dolt_benchmark_test.go gating its container-
// backed cases behind an explicit build tag / env check) since it needs
// a working Docker daemon.
package dolt_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go/modules/dolt"

	"github.com/oMaiaCity/covalue/internal/covalue"
	doltpeer "github.com/oMaiaCity/covalue/internal/peer/dolt"
)

func TestDoltPeerAgainstRealServer(t *testing.T) {
	ctx := context.Background()

	container, err := dolt.Run(ctx, "dolthub/dolt-sql-server:latest",
		dolt.WithDatabase("covalue_test"),
	)
	if err != nil {
		t.Fatalf("starting dolt container: %v", err)
	}
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "3306/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	dsn := fmt.Sprintf("root@tcp(%s:%s)/covalue_test", host, port.Port())
	p, err := doltpeer.Open(ctx, doltpeer.Config{ServerDSN: dsn})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	id, err := p.CreateCoValue(ctx, covalue.CreateArgs{
		Kind: covalue.KindComap,
		Data: map[string]any{"title": "from-server"},
	})
	if err != nil {
		t.Fatalf("CreateCoValue: %v", err)
	}

	cv, ok := p.Get(ctx, id)
	if !ok {
		t.Fatalf("expected co-value to be readable after create")
	}
	if cv.Fields["title"] != "from-server" {
		t.Fatalf("expected field to round-trip through the server, got %+v", cv.Fields)
	}

	if err := p.Set(ctx, id, "title", "updated-on-server"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cv, _ = p.Get(ctx, id)
	if cv.Fields["title"] != "updated-on-server" {
		t.Fatalf("expected update to persist, got %+v", cv.Fields)
	}
}
