package repo

import (
	"context"
	"testing"
	"time"
)

func TestSessionListStamp(t *testing.T) {
	ctx := context.Background()

	t.Run("missing table", func(t *testing.T) {
		if _, _, err := SessionListStamp(ctx, newRepoDB(t, false), "u1"); err == nil {
			t.Fatalf("expected an error without chat_sessions")
		}
	})

	db := newRepoDB(t, true)
	if n, newest, err := SessionListStamp(ctx, db, "u1"); err != nil || n != 0 || newest != nil {
		t.Fatalf("empty list: n=%d newest=%v err=%v", n, newest, err)
	}

	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	seedSession(t, db, "t1", "u1", "a", base)
	seedSession(t, db, "t1", "u1", "b", base.Add(time.Minute))
	seedSession(t, db, "t1", "u2", "c", base.Add(time.Hour))

	n, newest, err := SessionListStamp(ctx, db, "u1")
	if err != nil || n != 2 || newest == nil || !newest.Equal(base.Add(time.Minute)) {
		t.Fatalf("stamp: n=%d newest=%v err=%v", n, newest, err)
	}

	// Pinning an older session moves the stamp, so cached lists go stale.
	if err := SetSessionPinned(ctx, db, "t1", "a", true); err != nil {
		t.Fatalf("pin: %v", err)
	}
	_, after, err := SessionListStamp(ctx, db, "u1")
	if err != nil || after == nil || !after.After(*newest) {
		t.Fatalf("stamp after pin = %v (before %v), err=%v", after, newest, err)
	}
}
