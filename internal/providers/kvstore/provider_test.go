package kvstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nugget/loom/internal/loomevent"
)

func testProvider(t *testing.T) *Provider {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "kvstore_test.db")
	p, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func mustInvoke(t *testing.T, p *Provider, name string, args any) loomevent.Result {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	result, err := p.Invoke(context.Background(), loomevent.Call{ID: "c1", Name: name, Arguments: raw})
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func TestPutThenGet(t *testing.T) {
	p := testProvider(t)

	put := mustInvoke(t, p, CapPut, putRequest{Key: "a", Value: json.RawMessage(`"hello"`)})
	if put.Status != loomevent.StatusOk {
		t.Fatalf("put status = %v, want Ok", put.Status)
	}

	get := mustInvoke(t, p, CapGet, getRequest{Key: "a"})
	if get.Status != loomevent.StatusOk {
		t.Fatalf("get status = %v, want Ok", get.Status)
	}
	if string(get.Output) != `"hello"` {
		t.Errorf("get output = %s, want \"hello\"", get.Output)
	}
}

func TestGetMissingKeyNotFound(t *testing.T) {
	p := testProvider(t)

	result := mustInvoke(t, p, CapGet, getRequest{Key: "missing"})
	if result.Status != loomevent.StatusNotFound {
		t.Errorf("status = %v, want NotFound", result.Status)
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	p := testProvider(t)

	mustInvoke(t, p, CapPut, putRequest{Key: "a", Value: json.RawMessage(`1`)})
	mustInvoke(t, p, CapPut, putRequest{Key: "a", Value: json.RawMessage(`2`)})

	get := mustInvoke(t, p, CapGet, getRequest{Key: "a"})
	if string(get.Output) != "2" {
		t.Errorf("output = %s, want 2", get.Output)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	p := testProvider(t)

	mustInvoke(t, p, CapPut, putRequest{Key: "a", Value: json.RawMessage(`1`)})
	del := mustInvoke(t, p, CapDelete, deleteRequest{Key: "a"})
	if del.Status != loomevent.StatusOk {
		t.Fatalf("delete status = %v, want Ok", del.Status)
	}

	get := mustInvoke(t, p, CapGet, getRequest{Key: "a"})
	if get.Status != loomevent.StatusNotFound {
		t.Errorf("status = %v, want NotFound after delete", get.Status)
	}
}

func TestDeleteMissingKeyNotFound(t *testing.T) {
	p := testProvider(t)

	result := mustInvoke(t, p, CapDelete, deleteRequest{Key: "missing"})
	if result.Status != loomevent.StatusNotFound {
		t.Errorf("status = %v, want NotFound", result.Status)
	}
}

func TestPutMissingKeyInvalidArguments(t *testing.T) {
	p := testProvider(t)

	result := mustInvoke(t, p, CapPut, putRequest{Value: json.RawMessage(`1`)})
	if result.Status != loomevent.StatusInvalidArguments {
		t.Errorf("status = %v, want InvalidArguments", result.Status)
	}
}

func TestUnknownCapability(t *testing.T) {
	p := testProvider(t)

	if _, err := p.Invoke(context.Background(), loomevent.Call{ID: "c1", Name: "kv.unknown"}); err == nil {
		t.Error("expected error for unknown capability")
	}
}
