package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/harrier/internal/domain"
)

var replayFlags struct {
	csvPath     string
	baseURL     string
	idColumn    string
	labelColumn string
	limit       int
	workers     int
	async       bool
	verbose     bool
}

var rootCmd = &cobra.Command{
	Use:   "loadgen",
	Short: "Replay labelled applications against Harrier",
	Long: `Replay a CSV of loan applications against POST /evaluate.

Decisions are compared with the label column: REVIEW and REJECT count as
a positive prediction, APPROVE as negative.

Examples:
  # Replay the first 1000 rows with 10 workers
  loadgen --csv applications.csv --limit 1000 --workers 10

  # Queue everything through the async path
  loadgen --csv applications.csv --async`,
	SilenceUsage: true,
	RunE:         runReplay,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&replayFlags.csvPath, "csv", "", "path to the application CSV (required)")
	f.StringVar(&replayFlags.baseURL, "url", "http://localhost:8080", "Harrier base URL")
	f.StringVar(&replayFlags.idColumn, "id-column", "applicant_id", "column holding the applicant ID")
	f.StringVar(&replayFlags.labelColumn, "label-column", "is_fraud", "column holding the fraud label (1/true)")
	f.IntVar(&replayFlags.limit, "limit", 10000, "maximum rows to replay (0 = all)")
	f.IntVar(&replayFlags.workers, "workers", 10, "concurrent clients")
	f.BoolVar(&replayFlags.async, "async", false, "submit with ?async=true")
	f.BoolVarP(&replayFlags.verbose, "verbose", "v", false, "print every decision")
	_ = rootCmd.MarkFlagRequired("csv")
}

// application is one replayed row.
type application struct {
	Request domain.EvaluateRequest
	IsFraud bool
}

// tally tracks replay results.
type tally struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	Approve int64
	Review  int64
	Reject  int64
	Queued  int64
	Errors  int64

	LatencyMs int64
}

func (t *tally) record(app application, decision domain.Decision) {
	switch decision {
	case domain.DecisionApprove:
		atomic.AddInt64(&t.Approve, 1)
	case domain.DecisionReview:
		atomic.AddInt64(&t.Review, 1)
	case domain.DecisionReject:
		atomic.AddInt64(&t.Reject, 1)
	}

	predicted := decision.NeedsCase()
	switch {
	case predicted && app.IsFraud:
		atomic.AddInt64(&t.TruePositives, 1)
	case predicted && !app.IsFraud:
		atomic.AddInt64(&t.FalsePositives, 1)
	case !predicted && !app.IsFraud:
		atomic.AddInt64(&t.TrueNegatives, 1)
	default:
		atomic.AddInt64(&t.FalseNegatives, 1)
	}
}

func (t *tally) precision() float64 {
	return ratio(t.TruePositives, t.TruePositives+t.FalsePositives)
}

func (t *tally) recall() float64 {
	return ratio(t.TruePositives, t.TruePositives+t.FalseNegatives)
}

func (t *tally) f1() float64 {
	p, r := t.precision(), t.recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(a, b int64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	client := &http.Client{Timeout: 10 * time.Second}
	if err := checkHealth(ctx, client, replayFlags.baseURL); err != nil {
		return fmt.Errorf("harrier not reachable at %s: %w", replayFlags.baseURL, err)
	}

	file, err := os.Open(replayFlags.csvPath)
	if err != nil {
		return err
	}
	defer file.Close()

	apps, err := readApplications(file, replayFlags.idColumn, replayFlags.labelColumn, replayFlags.limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded %d applications from %s\n", len(apps), replayFlags.csvPath)

	start := time.Now()
	t := replay(ctx, client, apps, replayFlags.baseURL, replayFlags.workers, replayFlags.async, func(app application, res *domain.EvaluationResult, err error) {
		if !replayFlags.verbose {
			return
		}
		if err != nil {
			fmt.Fprintf(out, "ERROR %s: %v\n", app.Request.ApplicantID, err)
			return
		}
		if res == nil {
			fmt.Fprintf(out, "QUEUED %s\n", app.Request.ApplicantID)
			return
		}
		fmt.Fprintf(out, "%-7s %-20s score=%.3f fraud=%-5v rules=%s\n",
			res.Decision, app.Request.ApplicantID, res.Score, app.IsFraud, strings.Join(res.TriggeredRules, ","))
	})
	printTally(out, t, time.Since(start))
	return nil
}

// readApplications parses rows into evaluation requests. Rows without an
// applicant ID are skipped.
func readApplications(r io.Reader, idColumn, labelColumn string, limit int) ([]application, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var apps []application
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		app := application{Request: domain.EvaluateRequest{Attributes: make(map[string]any)}}
		for i, cell := range record {
			if i >= len(header) {
				break
			}
			cell = strings.TrimSpace(cell)
			switch col := header[i]; {
			case strings.EqualFold(col, idColumn):
				app.Request.ApplicantID = cell
			case strings.EqualFold(col, labelColumn):
				app.IsFraud = cell == "1" || strings.EqualFold(cell, "true")
			case cell != "":
				app.Request.Attributes[col] = parseCell(cell)
			}
		}
		if app.Request.ApplicantID == "" {
			continue
		}

		apps = append(apps, app)
		if limit > 0 && len(apps) >= limit {
			break
		}
	}
	return apps, nil
}

func parseCell(cell string) any {
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(cell); err == nil {
		return b
	}
	return cell
}

func replay(ctx context.Context, client *http.Client, apps []application, baseURL string, workers int, async bool,
	observe func(application, *domain.EvaluationResult, error)) *tally {
	if workers <= 0 {
		workers = 1
	}
	t := &tally{}
	work := make(chan application)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for app := range work {
				start := time.Now()
				res, err := evaluate(ctx, client, baseURL, app.Request, async)
				atomic.AddInt64(&t.LatencyMs, time.Since(start).Milliseconds())

				switch {
				case err != nil:
					atomic.AddInt64(&t.Errors, 1)
				case res == nil:
					atomic.AddInt64(&t.Queued, 1)
				default:
					t.record(app, res.Decision)
				}
				observe(app, res, err)
			}
		}()
	}

	for _, app := range apps {
		select {
		case work <- app:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()
	return t
}

// evaluate posts one request. An accepted async request returns a nil result.
func evaluate(ctx context.Context, client *http.Client, baseURL string, req domain.EvaluateRequest, async bool) (*domain.EvaluationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := baseURL + "/evaluate"
	if async {
		url += "?async=true"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil, nil
	case http.StatusOK:
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result domain.EvaluationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func printTally(w io.Writer, t *tally, elapsed time.Duration) {
	done := t.Approve + t.Review + t.Reject + t.Queued + t.Errors

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Results")
	fmt.Fprintln(w, "=======")
	fmt.Fprintf(w, "Processed:  %d in %s\n", done, elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Approve:    %d\n", t.Approve)
	fmt.Fprintf(w, "Review:     %d\n", t.Review)
	fmt.Fprintf(w, "Reject:     %d\n", t.Reject)
	if t.Queued > 0 {
		fmt.Fprintf(w, "Queued:     %d\n", t.Queued)
	}
	fmt.Fprintf(w, "Errors:     %d\n", t.Errors)
	if done > 0 {
		fmt.Fprintf(w, "Avg latency: %.1fms\n", float64(t.LatencyMs)/float64(done))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "                 Predicted+   Predicted-\n")
	fmt.Fprintf(w, "  Actual fraud   %10d   %10d\n", t.TruePositives, t.FalseNegatives)
	fmt.Fprintf(w, "  Actual clean   %10d   %10d\n", t.FalsePositives, t.TrueNegatives)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Precision: %.3f  Recall: %.3f  F1: %.3f\n", t.precision(), t.recall(), t.f1())
}
