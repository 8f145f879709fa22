package parentsync

import (
	"context"

	"go.uber.org/zap"
)

// ============================================================================
// Student Directory
// ============================================================================

// StudentsResult is the student list together with where it came from.
type StudentsResult struct {
	Students []Student
	Outcome  Outcome
	// Err is the fetch failure behind a non-OK outcome, if any.
	Err error
}

// Directory keeps the cached student list in step with the server.
type Directory struct {
	client  *Client
	store   *Store
	monitor *Monitor
	log     *zap.Logger
	metrics *Metrics
}

func NewDirectory(client *Client, store *Store, monitor *Monitor) *Directory {
	return &Directory{
		client:  client,
		store:   store,
		monitor: monitor,
		log:     client.log.Named("directory"),
		metrics: client.metrics,
	}
}

// Students returns the student list. When online and signed in the server
// list is fetched and upserted; otherwise, or when the fetch fails, the
// cached list is returned with the matching outcome. Students the server
// stopped listing stay cached. The only error returned
// is a store failure.
func (d *Directory) Students(ctx context.Context) (*StudentsResult, error) {
	session := d.client.Session()
	if !d.monitor.Online() {
		return d.cached(ctx, OutcomeStaleCache, nil)
	}
	if session.State() == StateAnonymous {
		return d.cached(ctx, OutcomeSignOutRequired, ErrSignedOut)
	}

	gen := session.Generation()
	students, err := d.client.FetchStudents(ctx)
	if err == nil && session.Generation() != gen {
		err = ErrSignedOut
	}
	if err != nil {
		outcome := OutcomeOf(err)
		d.log.Info("student fetch failed, serving cache",
			zap.String("outcome", string(outcome)), zap.Error(err))
		d.metrics.cacheFallback(string(outcome))
		return d.cached(ctx, outcome, err)
	}

	if err := d.store.PutStudents(ctx, students); err != nil {
		return nil, err
	}
	if session.Generation() != gen {
		return d.cached(ctx, OutcomeSignOutRequired, ErrSignedOut)
	}
	d.metrics.studentsSynced()
	return &StudentsResult{Students: students, Outcome: OutcomeOK}, nil
}

func (d *Directory) cached(ctx context.Context, outcome Outcome, cause error) (*StudentsResult, error) {
	students, err := d.store.Students(ctx)
	if err != nil {
		return nil, err
	}
	return &StudentsResult{Students: students, Outcome: outcome, Err: cause}, nil
}
