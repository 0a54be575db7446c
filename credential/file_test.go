package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFileBackend_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	backend := NewFileBackend(path, nil)
	ctx := context.Background()

	const goroutines = 10
	var wg sync.WaitGroup

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()

			key := fmt.Sprintf("%s%d", DraftPrefix, id)
			if err := backend.Set(ctx, map[string]string{key: fmt.Sprintf("draft-%d", id)}); err != nil {
				t.Errorf("Goroutine %d: Failed to save draft: %v", id, err)
			}
		}(i)
	}

	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read credential file: %v", err)
	}

	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		t.Fatalf("Failed to parse credential file: %v", err)
	}

	if len(values) != goroutines {
		t.Errorf("Expected %d keys, got %d", goroutines, len(values))
	}

	for i := 0; i < goroutines; i++ {
		key := fmt.Sprintf("%s%d", DraftPrefix, i)
		if values[key] != fmt.Sprintf("draft-%d", i) {
			t.Errorf("Key %s: got %q", key, values[key])
		}
	}

	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file still exists after all writes completed")
	}
}

func TestFileBackend_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	backend := NewFileBackend(path, nil)

	if err := backend.Set(context.Background(), map[string]string{KeyAccessToken: "a"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("Expected mode 0600, got %o", perm)
	}
}

func TestFileBackend_MissingFileIsEmpty(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "absent.json"), nil)

	_, ok, err := backend.Get(context.Background(), KeyAccessToken)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Errorf("Expected no value in a missing file")
	}
}

func TestFileBackend_CorruptFileIsReplacedOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	backend := NewFileBackend(path, nil)
	ctx := context.Background()

	if _, _, err := backend.Get(ctx, KeyAccessToken); err == nil {
		t.Errorf("Expected parse error reading a corrupt file")
	}

	store := NewStore(backend)
	if err := store.Clear(ctx); err == nil {
		t.Errorf("Expected Clear to surface the unreadable file while listing drafts")
	}

	if err := backend.Delete(ctx, KeyAccessToken); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, err := backend.Get(ctx, KeyAccessToken); err != nil {
		t.Errorf("Expected readable file after rewrite, got %v", err)
	}
}
