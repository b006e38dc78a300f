package eval

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Report file names.
const (
	ResultsFile           = "cv_results.csv"
	ResultsSummaryFile    = "cv_results_summary.csv"
	ImportanceFile        = "importance_raw.csv"
	ImportanceSummaryFile = "importance_summary.csv"
	TopFeaturesFile       = "top_features.csv"
	RankingFile           = "ranking_comparison.csv"
	ConfusionFile         = "confusion_matrices.csv"
	CombinedSummaryFile   = "summary.csv"
)

// Reporter writes evaluation tables as CSV files into one directory.
type Reporter struct {
	outputPath string
}

// NewReporter creates a reporter writing into outputPath.
func NewReporter(outputPath string) *Reporter {
	return &Reporter{outputPath: outputPath}
}

// OutputPath returns the report directory.
func (r *Reporter) OutputPath() string {
	return r.outputPath
}

// WriteResults writes raw rows {model, fold, metric, value}.
func (r *Reporter) WriteResults(prefix string, rows []ResultRow) (string, error) {
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		records = append(records, []string{row.Model, strconv.Itoa(row.Fold), row.Metric, formatFloat(row.Value)})
	}
	return r.write(prefix+ResultsFile, []string{"model", "fold", "metric", "value"}, records)
}

// WriteResultsSummary writes {model, metric, mean, std, mean_std}.
func (r *Reporter) WriteResultsSummary(prefix string, summary []ResultSummary) (string, error) {
	records := make([][]string, 0, len(summary))
	for _, s := range summary {
		records = append(records, []string{s.Model, s.Metric, formatFloat(s.Mean), formatFloat(s.Std), s.MeanStd})
	}
	return r.write(prefix+ResultsSummaryFile, []string{"model", "metric", "mean", "std", "mean_std"}, records)
}

// LabeledSummary tags a summary row with the dataset it was computed on.
type LabeledSummary struct {
	Dataset string
	Task    string
	ResultSummary
}

// WriteCombinedSummary writes the summaries of several datasets into one
// table {dataset, task, model, metric, mean, std, mean_std}.
func (r *Reporter) WriteCombinedSummary(rows []LabeledSummary) (string, error) {
	records := make([][]string, 0, len(rows))
	for _, s := range rows {
		task := s.Task
		if task == "" {
			task = "N/A"
		}
		records = append(records, []string{s.Dataset, task, s.Model, s.Metric, formatFloat(s.Mean), formatFloat(s.Std), s.MeanStd})
	}
	return r.write(CombinedSummaryFile, []string{"dataset", "task", "model", "metric", "mean", "std", "mean_std"}, records)
}

// WriteImportance writes raw records {model, fold, feature, importance, method}.
func (r *Reporter) WriteImportance(prefix string, records []ImportanceRecord) (string, error) {
	out := make([][]string, 0, len(records))
	for _, rec := range records {
		out = append(out, []string{rec.Model, strconv.Itoa(rec.Fold), rec.Feature, formatFloat(rec.Importance), rec.Method})
	}
	return r.write(prefix+ImportanceFile, []string{"model", "fold", "feature", "importance", "method"}, out)
}

// WriteImportanceSummary writes {model, method, feature, mean, std, rank}.
func (r *Reporter) WriteImportanceSummary(prefix string, summary []ImportanceSummary) (string, error) {
	return r.write(prefix+ImportanceSummaryFile, importanceHeader, importanceRecords(summary))
}

// WriteTopFeatures writes the top-n rows of every (model, method) pair.
func (r *Reporter) WriteTopFeatures(prefix string, summary []ImportanceSummary, n int) (string, error) {
	type pair struct{ model, method string }
	var order []pair
	seen := make(map[pair]bool)
	for _, s := range summary {
		p := pair{s.Model, s.Method}
		if !seen[p] {
			seen[p] = true
			order = append(order, p)
		}
	}

	var top []ImportanceSummary
	for _, p := range order {
		top = append(top, TopFeatures(summary, p.model, p.method, n)...)
	}
	return r.write(prefix+TopFeaturesFile, importanceHeader, importanceRecords(top))
}

// WriteRankingComparison writes one row per feature with mean and rank columns per model.
func (r *Reporter) WriteRankingComparison(prefix string, rows []RankingComparison, models []string) (string, error) {
	header := []string{"feature"}
	for _, m := range models {
		header = append(header, m+"_mean", m+"_rank")
	}

	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		rec := []string{row.Feature}
		for _, m := range models {
			mean, ok := row.Means[m]
			if !ok {
				rec = append(rec, "", "")
				continue
			}
			rec = append(rec, formatFloat(mean), strconv.Itoa(row.Ranks[m]))
		}
		records = append(records, rec)
	}
	return r.write(prefix+RankingFile, header, records)
}

// WriteConfusionMatrices writes {model, tn, fp, fn, tp} from out-of-fold predictions.
func (r *Reporter) WriteConfusionMatrices(prefix string, models []string, oof map[string]*OutOfFold) (string, error) {
	records := make([][]string, 0, len(models))
	for _, m := range models {
		o, ok := oof[m]
		if !ok {
			continue
		}
		cm := o.Confusion()
		records = append(records, []string{
			m,
			strconv.Itoa(cm.TN()), strconv.Itoa(cm.FP()),
			strconv.Itoa(cm.FN()), strconv.Itoa(cm.TP()),
		})
	}
	return r.write(prefix+ConfusionFile, []string{"model", "tn", "fp", "fn", "tp"}, records)
}

var importanceHeader = []string{"model", "method", "feature", "mean", "std", "rank"}

func importanceRecords(summary []ImportanceSummary) [][]string {
	records := make([][]string, 0, len(summary))
	for _, s := range summary {
		records = append(records, []string{s.Model, s.Method, s.Feature, formatFloat(s.Mean), formatFloat(s.Std), strconv.Itoa(s.Rank)})
	}
	return records
}

func (r *Reporter) write(name string, header []string, records [][]string) (string, error) {
	if err := os.MkdirAll(r.outputPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(r.outputPath, name)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer file.Close()

	if err := writeCSV(file, header, records); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}

	log.Info().Str("file", path).Int("rows", len(records)).Msg("Report written")
	return path, nil
}

func writeCSV(w io.Writer, header []string, records [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(records); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
