package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"pd-voice/internal/common"
	"pd-voice/internal/dataset"
	"pd-voice/internal/features"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Job is one audio file to extract.
type Job struct {
	Path      string
	Filename  string
	SubjectID string
	Label     int
	Task      string
}

// Row is the outcome of one job: either Values in schema order, or Err
// with every value NaN.
type Row struct {
	Job
	Values features.Vector
	Err    error
}

// Failure names a file that could not be extracted and why.
type Failure struct {
	Filename string
	Reason   string
}

// BatchResult holds every row sorted by filename and the failures among them.
type BatchResult struct {
	Rows     []Row
	Failures []Failure
}

// Observer is notified once per file.
type Observer interface {
	FileExtracted(elapsed time.Duration, err error)
}

// BatchOptions configures RunBatch.
type BatchOptions struct {
	Workers  int
	Observer Observer
	// OnDone is called after every file, from the worker goroutine.
	OnDone func()
}

// JobsFromRecordings turns discovered recordings into extraction jobs.
func JobsFromRecordings(recs []dataset.Recording) []Job {
	jobs := make([]Job, len(recs))
	for i, r := range recs {
		jobs[i] = Job{
			Path:      r.Path,
			Filename:  r.Filename,
			SubjectID: r.SubjectID,
			Label:     r.Label,
			Task:      r.Task,
		}
	}
	return jobs
}

// RunBatch extracts every job with at most opts.Workers concurrent calls.
// A failing file becomes a NaN row plus a Failure; it never aborts the
// batch. Output order is by filename regardless of completion order. Only
// context cancellation returns an error.
func RunBatch(ctx context.Context, ex Extractor, schema *features.Schema, jobs []Job, opts BatchOptions) (*BatchResult, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	rows := make([]Row, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			rows[i] = extractOne(gctx, ex, schema, job)
			if opts.Observer != nil {
				opts.Observer.FileExtracted(time.Since(start), rows[i].Err)
			}
			if opts.OnDone != nil {
				opts.OnDone()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(rows, func(a, b int) bool {
		return rows[a].Filename < rows[b].Filename
	})

	res := &BatchResult{Rows: rows}
	for _, r := range rows {
		if r.Err != nil {
			res.Failures = append(res.Failures, Failure{Filename: r.Filename, Reason: r.Err.Error()})
		}
	}

	log.Info().
		Int("files", len(rows)).
		Int("failed", len(res.Failures)).
		Int("workers", workers).
		Msg("Extraction batch complete")
	return res, nil
}

func extractOne(ctx context.Context, ex Extractor, schema *features.Schema, job Job) Row {
	row := Row{Job: job}

	rec, err := ex.Extract(ctx, job.Path, schema.Name)
	if err == nil {
		row.Values, err = schema.Assemble(rec)
	}
	if err != nil {
		row.Err = err
		row.Values = make(features.Vector, schema.Len())
		for i := range row.Values {
			row.Values[i] = math.NaN()
		}
		log.Debug().Err(err).Str("file", job.Filename).Msg("Extraction failed")
	}
	return row
}

// WriteCSV writes the feature table: metadata columns, then schema columns.
// NaN values are written as empty cells.
func WriteCSV(path string, schema *features.Schema, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := append(append([]string(nil), common.MetadataColumns...), schema.Names()...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		if len(r.Values) != schema.Len() {
			return fmt.Errorf("%s: %d values for %d schema features", r.Filename, len(r.Values), schema.Len())
		}
		rec := make([]string, 0, len(header))
		rec = append(rec, r.SubjectID, strconv.Itoa(r.Label), r.Task, r.Filename)
		for _, v := range r.Values {
			if math.IsNaN(v) {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := writer.Write(rec); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteFailures writes {filename, reason} for every failed file.
func WriteFailures(path string, failures []Failure) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"filename", "reason"}); err != nil {
		return err
	}
	for _, f := range failures {
		if err := writer.Write([]string{f.Filename, f.Reason}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
