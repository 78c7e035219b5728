package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type manualDriver struct {
	job     func(time.Time)
	stopped bool
}

func (d *manualDriver) Start(_ context.Context, job func(time.Time)) error {
	d.job = job
	return nil
}

func (d *manualDriver) Stop(context.Context) error {
	d.stopped = true
	return nil
}

func TestSchedulerRunsController(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)

	driver := &manualDriver{}
	s := NewScheduler(driver, newController(db, &fakeCatalog{}, stepClock(base)), nil)
	require.NoError(t, s.Start(ctx))
	require.NotNil(t, driver.job)

	driver.job(base)
	driver.job(base.Add(time.Hour))

	runs, err := db.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		require.True(t, r.Successful)
	}

	require.NoError(t, s.Stop(ctx))
	require.True(t, driver.stopped)
}
