package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.NewJSONHandler(&buf, nil)).With("component", "test")

	ctx := WithTxnData(context.Background(), &TxnData{ID: "t-1"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: 42, Owner: "com.example", UserScope: 10})
	ctx = WithArtifactData(ctx, &ArtifactData{Name: "0.apk", Size: 4096})
	log.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["component"] != "test" {
		t.Fatalf("expected With attrs to survive, got %v", rec)
	}
	sess, ok := rec["sess"].(map[string]any)
	if !ok {
		t.Fatalf("missing sess group: %v", rec)
	}
	if sess["id"].(float64) != 42 || sess["owner"] != "com.example" {
		t.Fatalf("unexpected sess group: %v", sess)
	}
	if rec["txn"].(map[string]any)["id"] != "t-1" {
		t.Fatalf("unexpected txn group: %v", rec["txn"])
	}
	if rec["artifact"].(map[string]any)["name"] != "0.apk" {
		t.Fatalf("unexpected artifact group: %v", rec["artifact"])
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	New(slog.NewJSONHandler(&buf, nil)).Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := rec["sess"]; ok {
		t.Fatalf("unexpected sess group: %v", rec)
	}
}
