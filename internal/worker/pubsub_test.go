package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/session/memstore"
	"github.com/anchorwatch/anchorwatch/internal/worker"
)

func TestDispatcher(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		failing  bool
		data     string
		wantType string
		wantErr  error
	}{
		{name: "cleanup", data: `{"job_type":"session_cleanup"}`, wantType: worker.JobSessionCleanup},
		{name: "cleanup with limit", data: `{"job_type":"session_cleanup","limit":1}`, wantType: worker.JobSessionCleanup},
		{name: "health check", data: `{"job_type":"health_check"}`, wantType: worker.JobHealthCheck},
		{name: "health check failing", failing: true, data: `{"job_type":"health_check"}`, wantType: worker.JobHealthCheck, wantErr: errUnavailable},
		{name: "cleanup failing", failing: true, data: `{"job_type":"session_cleanup"}`, wantType: worker.JobSessionCleanup, wantErr: errUnavailable},
		{name: "unknown", data: `{"job_type":"provider_refresh"}`, wantType: "provider_refresh", wantErr: worker.ErrUnknownJob},
		{name: "malformed", data: `{`, wantErr: worker.ErrMalformedJob},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			seed(t, store, 2, now)

			var job *worker.CleanupJob
			if tt.failing {
				job = newJob(unavailableStore{store}, worker.CleanupConfig{}, now)
			} else {
				job = newJob(store, worker.CleanupConfig{}, now)
			}
			d := worker.NewDispatcher(job, zerolog.Nop())

			jobType, err := d.Dispatch(context.Background(), []byte(tt.data))
			assert.Equal(t, tt.wantType, jobType)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDispatcher_CleanupDeletes(t *testing.T) {
	now := time.Now()
	store := memstore.New()
	seed(t, store, 3, now)

	job := newJob(store, worker.CleanupConfig{}, now)
	_, err := worker.NewDispatcher(job, zerolog.Nop()).Dispatch(context.Background(), []byte(`{"job_type":"session_cleanup"}`))
	require.NoError(t, err)

	expired, err := store.ListExpired(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Equal(t, int64(3), job.Metrics().Deleted)
}
