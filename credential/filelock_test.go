package credential

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFileLock_AcquireRelease(t *testing.T) {
	credFile := filepath.Join(t.TempDir(), "session.json")

	lock, err := acquireFileLock(credFile)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	lockPath := credFile + ".lock"
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		t.Errorf("Lock file was not created")
	}

	if err := lock.release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file was not removed after release")
	}
}

func TestFileLock_SerializesHolders(t *testing.T) {
	credFile := filepath.Join(t.TempDir(), "session.json")

	const holders = 8
	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)

	wg.Add(holders)
	for i := 0; i < holders; i++ {
		go func(id int) {
			defer wg.Done()

			lock, err := acquireFileLock(credFile)
			if err != nil {
				t.Errorf("Holder %d: Failed to acquire lock: %v", id, err)
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)

			if err := lock.release(); err != nil {
				t.Errorf("Holder %d: Failed to release lock: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if overlap.Load() {
		t.Errorf("Two holders were inside the lock at the same time")
	}
}

func TestFileLock_StaleLockIsReclaimed(t *testing.T) {
	credFile := filepath.Join(t.TempDir(), "session.json")
	lockPath := credFile + ".lock"

	stale, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Failed to create stale lock: %v", err)
	}
	stale.Close()

	staleTime := time.Now().Add(-lockStaleAfter - 5*time.Second)
	if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
		t.Fatalf("Failed to age lock file: %v", err)
	}

	lock, err := acquireFileLock(credFile)
	if err != nil {
		t.Fatalf("Failed to acquire lock over stale lock: %v", err)
	}
	defer lock.release()

	if lock.lockFile == nil {
		t.Errorf("Lock file handle is nil")
	}
}

func TestFileLock_BlockedByActiveLock(t *testing.T) {
	credFile := filepath.Join(t.TempDir(), "session.json")

	first, err := acquireFileLock(credFile)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		second, err := acquireFileLock(credFile)
		if err == nil {
			second.release()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatalf("Second lock acquired while first lock was active")
	case <-time.After(200 * time.Millisecond):
	}

	first.release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Errorf("Second lock failed after first lock released: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("Second lock timed out after first lock released")
	}
}
