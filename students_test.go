package parentsync

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/LuminPulse-AI/parentsync/internal/mockapi"
)

func TestDirectoryStudents(t *testing.T) {
	ctx := context.Background()

	t.Run("online fetch upserts", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		res, err := f.dir.Students(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeOK || len(res.Students) != 2 {
			t.Fatalf("result = %s with %d students", res.Outcome, len(res.Students))
		}
		cached, _ := f.store.Students(ctx)
		if len(cached) != 2 || cached[1].StudentNumber != "S-2" {
			t.Errorf("cache = %+v", cached)
		}
	})

	t.Run("fetch failure keeps cache", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		f.dir.Students(ctx)

		f.api.FailNext("/students", http.StatusBadGateway)
		res, err := f.dir.Students(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeRetryableError || res.Err == nil {
			t.Errorf("outcome = %s err = %v", res.Outcome, res.Err)
		}
		if len(res.Students) != 2 {
			t.Errorf("cached list changed: %d students", len(res.Students))
		}
	})

	t.Run("offline serves cache", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		f.dir.Students(ctx)
		f.monitor.Set(false)
		calls := f.api.Calls("/students")

		res, err := f.dir.Students(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeStaleCache || len(res.Students) != 2 {
			t.Errorf("outcome = %s students = %d", res.Outcome, len(res.Students))
		}
		if f.api.Calls("/students") != calls {
			t.Error("offline directory reached the network")
		}
	})

	t.Run("signed out", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		res, err := f.dir.Students(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeSignOutRequired || !errors.Is(res.Err, ErrSignedOut) {
			t.Errorf("outcome = %s err = %v", res.Outcome, res.Err)
		}
	})

	t.Run("students dropped by the server stay cached", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.store.PutStudents(ctx, []Student{{ID: 9, StudentNumber: "S-9"}})
		f.signIn(t)
		if _, err := f.dir.Students(ctx); err != nil {
			t.Fatal(err)
		}
		cached, _ := f.store.Students(ctx)
		if len(cached) != 3 {
			t.Errorf("cache has %d students, want 3", len(cached))
		}
	})
}
