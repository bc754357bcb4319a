package jsonfile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/oMaiaCity/covalue/internal/covalue"
)

func TestOpenCreatesEmptyPeerWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if ids := p.AllIDs(context.Background()); len(ids) != 0 {
		t.Fatalf("expected empty peer, got %v", ids)
	}
}

func TestCreateCoValuePersistsAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	p, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := p.CreateCoValue(context.Background(), covalue.CreateArgs{
		Kind: covalue.KindComap,
		Data: map[string]any{"title": "hello"},
	})
	if err != nil {
		t.Fatalf("CreateCoValue: %v", err)
	}
	p.Close()

	p2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	cv, ok := p2.Get(context.Background(), id)
	if !ok {
		t.Fatalf("expected co-value to survive reopen")
	}
	if cv.Fields["title"] != "hello" {
		t.Fatalf("expected field to round-trip, got %+v", cv.Fields)
	}
	if !cv.Available() {
		t.Fatalf("expected reloaded co-value to be available")
	}
}

func TestSetNotifiesSubscribers(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	id, err := p.CreateCoValue(context.Background(), covalue.CreateArgs{
		Kind: covalue.KindComap,
		Data: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CreateCoValue: %v", err)
	}

	received := make(chan *covalue.CoValue, 1)
	p.Subscribe(id, func(cv *covalue.CoValue) { received <- cv })

	if err := p.Set(context.Background(), id, "title", "updated"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case cv := <-received:
		if cv.Fields["title"] != "updated" {
			t.Fatalf("expected updated field in notification, got %+v", cv.Fields)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for subscriber notification")
	}
}

func TestLoadRereadsExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	writer, err := Open(path)
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	id, err := writer.CreateCoValue(context.Background(), covalue.CreateArgs{
		Kind: covalue.KindComap,
		Data: map[string]any{"title": "from-writer"},
	})
	if err != nil {
		t.Fatalf("CreateCoValue: %v", err)
	}
	writer.Close()

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open reader: %v", err)
	}
	defer reader.Close()

	writer2, err := Open(path)
	if err != nil {
		t.Fatalf("Open writer2: %v", err)
	}
	if err := writer2.Set(context.Background(), id, "title", "from-other-process"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	writer2.Close()

	reader.Load(context.Background(), id)
	cv, ok := reader.Get(context.Background(), id)
	if !ok {
		t.Fatalf("expected co-value to exist after Load")
	}
	if cv.Fields["title"] != "from-other-process" {
		t.Fatalf("expected Load to pick up external write, got %+v", cv.Fields)
	}
}
