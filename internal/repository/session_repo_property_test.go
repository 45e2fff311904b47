package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/netra-systems/zen-sub342/internal/db"
	"github.com/netra-systems/zen-sub342/internal/model"
)

// generateID generates a unique ID for testing.
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func setupRepo(t *testing.T) *SessionRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return NewSessionRepository(testDB)
}

func newSession(userID, threadID string, at time.Time) *model.UserSession {
	return &model.UserSession{
		ConnectionID: generateID(),
		UserID:       userID,
		ThreadID:     threadID,
		State:        model.SessionConnected,
		ConnectedAt:  at,
		LastActivity: at,
	}
}

// A recorded session can be read back unchanged and closing it keeps the
// active count consistent.
func TestSessionLedgerRoundTripProperty(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	nonEmptyString := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 64
	})

	properties.Property("sessions persist and close cleanly", prop.ForAll(
		func(userID, threadID string, code int) bool {
			at := time.Now().UTC().Truncate(time.Millisecond)
			session := newSession(userID, threadID, at)

			before, err := repo.CountActiveByUser(ctx, userID)
			if err != nil {
				t.Logf("failed to count: %v", err)
				return false
			}

			if err := repo.Create(ctx, session); err != nil {
				t.Logf("failed to create session: %v", err)
				return false
			}

			retrieved, err := repo.GetByID(ctx, session.ConnectionID)
			if err != nil {
				t.Logf("failed to retrieve session: %v", err)
				return false
			}

			if retrieved.UserID != userID ||
				retrieved.ThreadID != threadID ||
				retrieved.State != model.SessionConnected ||
				!retrieved.ConnectedAt.Equal(at) ||
				retrieved.CloseCode != nil {
				t.Logf("retrieved session does not match created session")
				return false
			}

			during, _ := repo.CountActiveByUser(ctx, userID)
			if during != before+1 {
				t.Logf("active count %d, want %d", during, before+1)
				return false
			}

			if err := repo.MarkClosed(ctx, session.ConnectionID, code, "bye", at.Add(time.Second)); err != nil {
				t.Logf("failed to close session: %v", err)
				return false
			}

			closed, err := repo.GetByID(ctx, session.ConnectionID)
			if err != nil || closed.State != model.SessionClosed || closed.CloseCode == nil || *closed.CloseCode != code {
				t.Logf("closed session not recorded: %+v %v", closed, err)
				return false
			}

			after, _ := repo.CountActiveByUser(ctx, userID)
			return after == before
		},
		nonEmptyString,
		gen.AlphaString(),
		gen.IntRange(1000, 4999),
	))

	properties.TestingRun(t)
}

func TestSessionRepository_Reconnect(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	at := time.Now().UTC()
	session := newSession("user1", "", at)
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if err := repo.MarkClosed(ctx, session.ConnectionID, model.CloseGoingAway, "network", at); err != nil {
		t.Fatalf("Failed to close session: %v", err)
	}

	t.Run("same user reopens the row", func(t *testing.T) {
		again := *session
		again.ConnectedAt = at.Add(time.Minute)
		if err := repo.Create(ctx, &again); err != nil {
			t.Fatalf("Reconnect failed: %v", err)
		}

		got, err := repo.GetByID(ctx, session.ConnectionID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.State != model.SessionConnected || got.CloseCode != nil || got.ClosedAt != nil {
			t.Errorf("Expected reopened session, got %+v", got)
		}
	})

	t.Run("another user cannot take the ID", func(t *testing.T) {
		stolen := *session
		stolen.UserID = "user2"
		err := repo.Create(ctx, &stolen)

		var dup *model.DuplicateConnectionError
		if !errors.As(err, &dup) {
			t.Fatalf("Expected DuplicateConnectionError, got %v", err)
		}
		if dup.ConnectionID != session.ConnectionID {
			t.Errorf("Expected ID %s, got %s", session.ConnectionID, dup.ConnectionID)
		}
	})
}

func TestSessionRepository_ListAndPurge(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		s := newSession("user1", "thread-1", base.Add(time.Duration(i)*time.Minute))
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Failed to create session: %v", err)
		}
		ids = append(ids, s.ConnectionID)
	}
	if err := repo.Create(ctx, newSession("user2", "", base)); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	sessions, err := repo.ListByUser(ctx, "user1", 0)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("Expected 3 sessions, got %d", len(sessions))
	}
	if sessions[0].ConnectionID != ids[2] {
		t.Errorf("Expected most recent session first")
	}

	limited, _ := repo.ListByUser(ctx, "user1", 2)
	if len(limited) != 2 {
		t.Errorf("Expected limit to apply, got %d", len(limited))
	}

	if err := repo.MarkClosed(ctx, ids[0], model.CloseNormal, "", base); err != nil {
		t.Fatalf("MarkClosed failed: %v", err)
	}

	purged, err := repo.PurgeClosedBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeClosedBefore failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Expected 1 purged session, got %d", purged)
	}

	if _, err := repo.GetByID(ctx, ids[0]); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	settled, err := repo.CloseAllOpen(ctx, model.CloseGoingAway, "server restart", time.Now())
	if err != nil {
		t.Fatalf("CloseAllOpen failed: %v", err)
	}
	if settled != 3 {
		t.Errorf("Expected 3 settled sessions, got %d", settled)
	}

	if err := repo.MarkClosed(ctx, "missing", model.CloseNormal, "", time.Now()); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}
