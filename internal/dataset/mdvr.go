package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"pd-voice/internal/common"

	"github.com/rs/zerolog/log"
)

// Recording is one audio file of the MDVR-KCL corpus.
type Recording struct {
	Path      string
	Filename  string
	SubjectID string
	Label     int
	Task      string
}

var (
	// ID02_pd_2_0_0.wav
	standardName = regexp.MustCompile(`(?i)^(ID\d+)_(hc|pd)_`)
	// ID22hc_0_0_0.wav
	malformedName = regexp.MustCompile(`(?i)^(ID\d+)(hc|pd)_`)
)

// ParseRecordingName extracts the subject ID and class label from an
// MDVR-KCL file name. Both the standard form and the form missing the
// separator after the subject ID are accepted.
func ParseRecordingName(filename string) (subjectID string, label int, err error) {
	base := filepath.Base(filename)

	m := standardName.FindStringSubmatch(base)
	if m == nil {
		m = malformedName.FindStringSubmatch(base)
	}
	if m == nil {
		return "", 0, fmt.Errorf("unrecognised recording name %q", base)
	}

	label, ok := common.LabelMap[strings.ToLower(m[2])]
	if !ok {
		return "", 0, fmt.Errorf("unknown class %q in %q", m[2], base)
	}
	return strings.ToUpper(m[1]), label, nil
}

// DiscoverRecordings lists <baseDir>/<task>/{HC,PD}/*.wav sorted by file name.
// Files whose names cannot be parsed are skipped with a warning.
func DiscoverRecordings(baseDir, task string) ([]Recording, error) {
	taskDir := filepath.Join(baseDir, task)
	if _, err := os.Stat(taskDir); err != nil {
		return nil, fmt.Errorf("task directory %s: %w", taskDir, err)
	}

	var recs []Recording
	for _, class := range []string{"HC", "PD"} {
		classDir := filepath.Join(taskDir, class)
		entries, err := os.ReadDir(classDir)
		if err != nil {
			if os.IsNotExist(err) {
				log.Warn().Str("dir", classDir).Msg("Class directory missing")
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", classDir, err)
		}

		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
				continue
			}
			subject, label, err := ParseRecordingName(e.Name())
			if err != nil {
				log.Warn().Err(err).Str("file", e.Name()).Msg("Skipping recording")
				continue
			}
			recs = append(recs, Recording{
				Path:      filepath.Join(classDir, e.Name()),
				Filename:  e.Name(),
				SubjectID: subject,
				Label:     label,
				Task:      task,
			})
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Filename < recs[j].Filename
	})

	log.Info().
		Str("task", task).
		Int("recordings", len(recs)).
		Msg("Recordings discovered")

	return recs, nil
}
