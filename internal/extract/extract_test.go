package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pd-voice/internal/common"
	"pd-voice/internal/dataset"
	"pd-voice/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *features.Schema {
	t.Helper()
	s, err := features.NewSchema("mini", "1", []string{"f0_mean", "jitter_local", "hnr_mean"})
	require.NoError(t, err)
	return s
}

type mapExtractor struct {
	mu      sync.Mutex
	calls   int
	records map[string]features.Record
}

func (m *mapExtractor) Extract(_ context.Context, audioPath, _ string) (features.Record, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	// Uneven delays so completion order differs from submission order.
	time.Sleep(time.Duration(len(audioPath)%3) * time.Millisecond)
	rec, ok := m.records[audioPath]
	if !ok {
		return nil, fmt.Errorf("cannot decode %s", audioPath)
	}
	return rec, nil
}

type countingObserver struct {
	mu     sync.Mutex
	files  int
	failed int
}

func (c *countingObserver) FileExtracted(_ time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files++
	if err != nil {
		c.failed++
	}
}

func TestHTTPExtractor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/extract", r.URL.Path)
		var req extractReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, common.FeatureSetBaseline, req.FeatureSet)

		w.Header().Set("Content-Type", "application/json")
		switch req.Path {
		case "ok.wav":
			fmt.Fprint(w, `{"features": {"f0_mean": 120.5, "jitter_local": null}}`)
		case "corrupt.wav":
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"error": "audio too short"}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewHTTPExtractor(srv.URL+"/", time.Second)

	rec, err := c.Extract(context.Background(), "ok.wav", common.FeatureSetBaseline)
	require.NoError(t, err)
	assert.Equal(t, 120.5, rec["f0_mean"])
	assert.True(t, math.IsNaN(rec["jitter_local"]))

	_, err = c.Extract(context.Background(), "corrupt.wav", common.FeatureSetBaseline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio too short")

	_, err = c.Extract(context.Background(), "other.wav", common.FeatureSetBaseline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestRunBatchSortsAndRecordsFailures(t *testing.T) {
	schema := testSchema(t)
	ex := &mapExtractor{records: map[string]features.Record{
		"/a/ID02_pd_2_0_0.wav": {"f0_mean": 110, "jitter_local": 0.02, "hnr_mean": 15},
		"/a/ID00_hc_0_0_0.wav": {"f0_mean": 130, "jitter_local": 0.01, "hnr_mean": 20},
		"/a/ID05_hc_0_0_0.wav": {"f0_mean": 125, "hnr_mean": 18},
	}}
	jobs := []Job{
		{Path: "/a/ID05_hc_0_0_0.wav", Filename: "ID05_hc_0_0_0.wav", SubjectID: "ID05", Label: 0, Task: common.TaskReadText},
		{Path: "/a/ID02_pd_2_0_0.wav", Filename: "ID02_pd_2_0_0.wav", SubjectID: "ID02", Label: 1, Task: common.TaskReadText},
		{Path: "/a/ID09_pd_0_0_0.wav", Filename: "ID09_pd_0_0_0.wav", SubjectID: "ID09", Label: 1, Task: common.TaskReadText},
		{Path: "/a/ID00_hc_0_0_0.wav", Filename: "ID00_hc_0_0_0.wav", SubjectID: "ID00", Label: 0, Task: common.TaskReadText},
	}

	var done int
	var mu sync.Mutex
	obs := &countingObserver{}
	res, err := RunBatch(context.Background(), ex, schema, jobs, BatchOptions{
		Workers:  3,
		Observer: obs,
		OnDone: func() {
			mu.Lock()
			done++
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Len(t, res.Rows, 4)
	assert.Equal(t, "ID00_hc_0_0_0.wav", res.Rows[0].Filename)
	assert.Equal(t, "ID02_pd_2_0_0.wav", res.Rows[1].Filename)
	assert.Equal(t, "ID05_hc_0_0_0.wav", res.Rows[2].Filename)
	assert.Equal(t, "ID09_pd_0_0_0.wav", res.Rows[3].Filename)
	assert.Equal(t, features.Vector{130, 0.01, 20}, res.Rows[0].Values)

	require.Len(t, res.Failures, 2)
	assert.Equal(t, "ID05_hc_0_0_0.wav", res.Failures[0].Filename)
	assert.Contains(t, res.Failures[0].Reason, "jitter_local")
	assert.Equal(t, "ID09_pd_0_0_0.wav", res.Failures[1].Filename)
	for _, v := range res.Rows[3].Values {
		assert.True(t, math.IsNaN(v))
	}

	assert.Equal(t, 4, ex.calls)
	assert.Equal(t, 4, done)
	assert.Equal(t, 4, obs.files)
	assert.Equal(t, 2, obs.failed)

	path := filepath.Join(t.TempDir(), "features", "readtext.csv")
	require.NoError(t, WriteCSV(path, schema, res.Rows))

	tbl, err := dataset.LoadFeatureTable(path)
	require.NoError(t, err)
	assert.Equal(t, schema.Names(), tbl.FeatureNames)
	assert.Equal(t, []string{"ID00", "ID02", "ID05", "ID09"}, tbl.Groups)

	clean, dropped := tbl.DropIncomplete()
	assert.Equal(t, 2, clean.Rows())
	assert.Equal(t, []string{"ID05_hc_0_0_0.wav", "ID09_pd_0_0_0.wav"}, dropped)

	require.NoError(t, WriteFailures(filepath.Join(t.TempDir(), "failures.csv"), res.Failures))
}

func TestRunBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs := []Job{{Path: "x.wav", Filename: "x.wav"}}
	_, err := RunBatch(ctx, &mapExtractor{}, testSchema(t), jobs, BatchOptions{Workers: 2})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestJobsFromRecordings(t *testing.T) {
	jobs := JobsFromRecordings([]dataset.Recording{
		{Path: "/d/ReadText/PD/ID02_pd_2_0_0.wav", Filename: "ID02_pd_2_0_0.wav", SubjectID: "ID02", Label: 1, Task: common.TaskReadText},
	})
	require.Len(t, jobs, 1)
	assert.Equal(t, "ID02", jobs[0].SubjectID)
	assert.Equal(t, 1, jobs[0].Label)
}
