package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/crud"
	"github.com/oMaiaCity/covalue/internal/deepresolve"
	"github.com/oMaiaCity/covalue/internal/evalx"
	"github.com/oMaiaCity/covalue/internal/index"
	"github.com/oMaiaCity/covalue/internal/loader"
	"github.com/oMaiaCity/covalue/internal/peer"
	"github.com/oMaiaCity/covalue/internal/reactive"
	"github.com/oMaiaCity/covalue/internal/schema"
)

type fakeResolver struct {
	byKey map[string]coid.ID
	docs  map[coid.ID]*schema.Document
}

func (f *fakeResolver) Resolve(_ context.Context, key string) (coid.ID, bool) {
	id, ok := f.byKey[key]
	return id, ok
}

func (f *fakeResolver) Document(_ context.Context, id coid.ID) (*schema.Document, bool) {
	d, ok := f.docs[id]
	return d, ok
}

func newFixture(r *fakeResolver) (*peer.Memory, *crud.Engine) {
	p := peer.New()
	idx := index.New(p, r, "")
	ld := loader.New(p)
	deep := deepresolve.New(ld, p)
	cache := reactive.NewCache(0)
	engine := crud.New(p, r, idx, ld, deep, cache, evalx.New())
	return p, engine
}

func mustCreateMessage(t *testing.T, p *peer.Memory, fields map[string]any) coid.ID {
	t.Helper()
	id, err := p.CreateCoValue(context.Background(), covalue.CreateArgs{
		Kind: covalue.KindComap,
		Data: fields,
	})
	if err != nil {
		t.Fatalf("CreateCoValue: %v", err)
	}
	return id
}

func TestProcessInboxSkipsSystemMessagesAndLegacyInlineObjects(t *testing.T) {
	p, engine := newFixture(&fakeResolver{})
	ctx := context.Background()

	addMemberID := mustCreateMessage(t, p, map[string]any{"type": "ADD_MEMBER", "processed": false})

	inboxID := coid.ID("co_zinbox0000000000000")
	p.PutRaw(&covalue.CoValue{
		ID: inboxID,
		Header: covalue.Header{
			Kind: covalue.KindCostream,
		},
		Sessions: map[string][]covalue.Tx{
			"s1": {
				{Value: map[string]any{"_coId": string(addMemberID), "type": "ADD_MEMBER"}, MadeAt: time.Unix(100, 0), Session: "s1"},
				{Value: map[string]any{"type": "INIT"}, MadeAt: time.Unix(50, 0), Session: "s1"},
				{Value: "legacy-inline-string", MadeAt: time.Unix(60, 0), Session: "s1"},
			},
		},
	})

	result, err := ProcessInbox(ctx, engine, "actor", inboxID)
	if err != nil {
		t.Fatalf("ProcessInbox: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("expected exactly 1 drained message, got %d: %+v", len(result.Messages), result.Messages)
	}
	if result.Messages[0].Fields["type"] != "ADD_MEMBER" {
		t.Fatalf("expected ADD_MEMBER message, got %+v", result.Messages[0].Fields)
	}
	if _, hasProcessed := result.Messages[0].Fields["processed"]; hasProcessed {
		t.Fatalf("expected internal 'processed' key to be stripped, got %+v", result.Messages[0].Fields)
	}

	cv, _ := p.Get(ctx, addMemberID)
	if processed, _ := cv.Fields["processed"].(bool); !processed {
		t.Fatalf("expected message to be marked processed after draining")
	}
}

func TestProcessInboxSkipsAlreadyProcessedMessages(t *testing.T) {
	p, engine := newFixture(&fakeResolver{})
	ctx := context.Background()

	msgID := mustCreateMessage(t, p, map[string]any{"type": "ADD_MEMBER", "processed": true})

	inboxID := coid.ID("co_zinbox0000000000001")
	p.PutRaw(&covalue.CoValue{
		ID:     inboxID,
		Header: covalue.Header{Kind: covalue.KindCostream},
		Sessions: map[string][]covalue.Tx{
			"s1": {{Value: map[string]any{"_coId": string(msgID), "type": "ADD_MEMBER"}, MadeAt: time.Unix(1, 0), Session: "s1"}},
		},
	})

	result, err := ProcessInbox(ctx, engine, "actor", inboxID)
	if err != nil {
		t.Fatalf("ProcessInbox: %v", err)
	}
	if len(result.Messages) != 0 {
		t.Fatalf("expected already-processed message to be skipped, got %+v", result.Messages)
	}
}

func TestProcessInboxRequiresMemberIDForRemoveMember(t *testing.T) {
	p, engine := newFixture(&fakeResolver{})
	ctx := context.Background()

	badMsgID := mustCreateMessage(t, p, map[string]any{
		"type":      "REMOVE_MEMBER",
		"processed": false,
		"payload":   map[string]any{"memberId": "not-a-coid"},
	})

	inboxID := coid.ID("co_zinbox0000000000002")
	p.PutRaw(&covalue.CoValue{
		ID:     inboxID,
		Header: covalue.Header{Kind: covalue.KindCostream},
		Sessions: map[string][]covalue.Tx{
			"s1": {{Value: map[string]any{"_coId": string(badMsgID), "type": "REMOVE_MEMBER"}, MadeAt: time.Unix(1, 0), Session: "s1"}},
		},
	})

	result, err := ProcessInbox(ctx, engine, "actor", inboxID)
	if err != nil {
		t.Fatalf("ProcessInbox: %v", err)
	}
	if len(result.Messages) != 0 {
		t.Fatalf("expected malformed REMOVE_MEMBER message to be rejected, got %+v", result.Messages)
	}
}

func TestProcessInboxSortsByMadeAtAcrossSessions(t *testing.T) {
	p, engine := newFixture(&fakeResolver{})
	ctx := context.Background()

	firstID := mustCreateMessage(t, p, map[string]any{"type": "A", "processed": false})
	secondID := mustCreateMessage(t, p, map[string]any{"type": "B", "processed": false})

	inboxID := coid.ID("co_zinbox0000000000003")
	p.PutRaw(&covalue.CoValue{
		ID:     inboxID,
		Header: covalue.Header{Kind: covalue.KindCostream},
		Sessions: map[string][]covalue.Tx{
			"s2": {{Value: map[string]any{"_coId": string(secondID), "type": "B"}, MadeAt: time.Unix(200, 0), Session: "s2"}},
			"s1": {{Value: map[string]any{"_coId": string(firstID), "type": "A"}, MadeAt: time.Unix(100, 0), Session: "s1"}},
		},
	})

	result, err := ProcessInbox(ctx, engine, "actor", inboxID)
	if err != nil {
		t.Fatalf("ProcessInbox: %v", err)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(result.Messages))
	}
	if result.Messages[0].Fields["type"] != "A" || result.Messages[1].Fields["type"] != "B" {
		t.Fatalf("expected messages sorted by MadeAt ascending, got %+v", result.Messages)
	}
}

func TestCreateAndPushMessageDiscoversSchemaFromInboxItems(t *testing.T) {
	msgSchemaID := coid.ID("co_zschemamessage00000")
	inboxSchemaID := coid.ID("co_zschemainbox000000")
	r := &fakeResolver{
		byKey: map[string]coid.ID{"event": msgSchemaID},
		docs: map[coid.ID]*schema.Document{
			inboxSchemaID: {ID: inboxSchemaID, Items: map[string]any{"$co": "event"}},
			msgSchemaID:   {ID: msgSchemaID},
		},
	}
	p, engine := newFixture(r)
	ctx := context.Background()

	inboxID, err := p.CreateCoValue(ctx, covalue.CreateArgs{Kind: covalue.KindCostream, Schema: inboxSchemaID})
	if err != nil {
		t.Fatalf("CreateCoValue: %v", err)
	}

	created, err := CreateAndPushMessage(ctx, engine, r, inboxID, map[string]any{"type": "ADD_MEMBER"})
	if err != nil {
		t.Fatalf("CreateAndPushMessage: %v", err)
	}
	if created["processed"] != false {
		t.Fatalf("expected default processed=false, got %+v", created)
	}

	inboxCV, _ := p.Get(ctx, inboxID)
	if len(inboxCV.Sessions["local"]) != 1 {
		t.Fatalf("expected message co-id pushed onto inbox stream, got sessions %+v", inboxCV.Sessions)
	}
}

func TestCreateAndPushMessageRejectsUnresolvedExpressions(t *testing.T) {
	msgSchemaID := coid.ID("co_zschemamessage00001")
	r := &fakeResolver{byKey: map[string]coid.ID{"event": msgSchemaID}}
	p, engine := newFixture(r)
	ctx := context.Background()

	inboxID, err := p.CreateCoValue(ctx, covalue.CreateArgs{Kind: covalue.KindCostream})
	if err != nil {
		t.Fatalf("CreateCoValue: %v", err)
	}

	_, err = CreateAndPushMessage(ctx, engine, r, inboxID, map[string]any{"type": "ADD_MEMBER", "memberId": "$someUnresolvedPath"})
	if err == nil {
		t.Fatalf("expected error for unresolved expression in payload")
	}
}
