package verify

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
)

// Mismatch is a sample on which the two engines chose different classes.
// Input is the exact integer vector both engines saw.
type Mismatch struct {
	Index     int    `json:"index"`
	Label     uint8  `json:"label"`
	Deploy    uint32 `json:"deploy"`
	Reference uint32 `json:"reference"`
	Input     []int8 `json:"input"`
}

// EngineError is a sample the deployment engine failed to answer.
type EngineError struct {
	Index   int    `json:"index"`
	Label   uint8  `json:"label"`
	Message string `json:"message"`
}

// Report is the outcome of one verification run.
type Report struct {
	RunID            string        `json:"run_id"`
	Model            string        `json:"model"`
	Engine           string        `json:"engine"`
	Samples          int           `json:"samples"`
	DeployCorrect    int           `json:"deploy_correct"`
	ReferenceCorrect int           `json:"reference_correct"`
	FloatCorrect     *int          `json:"float_correct,omitempty"`
	Mismatches       []Mismatch    `json:"mismatches"`
	Errors           []EngineError `json:"errors,omitempty"`
	Host             *Host         `json:"host,omitempty"`
	Version          string        `json:"version,omitempty"`
	Started          time.Time     `json:"started"`
	Duration         time.Duration `json:"duration_ns"`
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func (r *Report) DeployAccuracy() float64    { return percent(r.DeployCorrect, r.Samples) }
func (r *Report) ReferenceAccuracy() float64 { return percent(r.ReferenceCorrect, r.Samples) }
func (r *Report) MismatchRate() float64      { return percent(len(r.Mismatches), r.Samples) }

// FloatAccuracy reports the trained model's accuracy when it was evaluated.
func (r *Report) FloatAccuracy() (float64, bool) {
	if r.FloatCorrect == nil {
		return 0, false
	}
	return percent(*r.FloatCorrect, r.Samples), true
}

// Agreed reports whether the engines matched on every sample and the
// deployment engine answered every call.
func (r *Report) Agreed() bool { return len(r.Mismatches) == 0 && len(r.Errors) == 0 }

// Print writes the summary lines followed by a per-engine table.
func (r *Report) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"size of test data: %d\nMispredictions %s: %d Reference: %d\nMismatches between engines: %d (%s%%)\n",
		r.Samples, r.Engine, r.Samples-r.DeployCorrect, r.Samples-r.ReferenceCorrect,
		len(r.Mismatches), formatPct(r.MismatchRate()))
	if err != nil {
		return err
	}
	if len(r.Errors) > 0 {
		if _, err := fmt.Fprintf(w, "Engine errors: %d\n", len(r.Errors)); err != nil {
			return err
		}
	}

	tbl := tablewriter.NewWriter(w)
	tbl.Header("Engine", "Correct", "Mispredictions", "Accuracy %")
	tbl.Append([]string{r.Engine, strconv.Itoa(r.DeployCorrect), strconv.Itoa(r.Samples - r.DeployCorrect), formatPct(r.DeployAccuracy())})
	tbl.Append([]string{"reference", strconv.Itoa(r.ReferenceCorrect), strconv.Itoa(r.Samples - r.ReferenceCorrect), formatPct(r.ReferenceAccuracy())})
	if acc, ok := r.FloatAccuracy(); ok {
		tbl.Append([]string{"float", strconv.Itoa(*r.FloatCorrect), strconv.Itoa(r.Samples - *r.FloatCorrect), formatPct(acc)})
	}
	if err := tbl.Render(); err != nil {
		return err
	}

	if len(r.Mismatches) == 0 {
		return nil
	}
	mt := tablewriter.NewWriter(w)
	mt.Header("Sample", r.Engine, "Reference", "True")
	for _, m := range r.Mismatches {
		mt.Append([]string{strconv.Itoa(m.Index), strconv.FormatUint(uint64(m.Deploy), 10),
			strconv.FormatUint(uint64(m.Reference), 10), strconv.Itoa(int(m.Label))})
	}
	return mt.Render()
}

func formatPct(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

// WriteJSON stores the report at path.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// LoadReport reads a report written by WriteJSON.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("verify: decode report %s: %w", path, err)
	}
	return &r, nil
}
