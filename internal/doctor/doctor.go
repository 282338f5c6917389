// Package doctor provides preflight checks for a mnemos installation.
// Used by `mnemosd doctor` before first serve and when debugging a broken
// deployment.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mnemos-io/mnemos/internal/config"
	"github.com/mnemos-io/mnemos/internal/core"
	"github.com/mnemos-io/mnemos/internal/storage"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context) *Report {
	report := &Report{}

	cfg, err := config.Load()
	if err != nil {
		report.Checks = append(report.Checks, CheckResult{
			Name: "config_load", Category: "config", Status: "fail",
			Message: fmt.Sprintf("cannot load config: %v", err),
			Fix:     "check MNEMOS_* env vars and mnemos.config.yaml",
		})
	} else {
		report.Checks = append(report.Checks, CheckResult{
			Name: "config_load", Category: "config", Status: "pass",
			Message: "configuration valid",
		})
		report.Checks = append(report.Checks, checkDataDir(cfg))
		report.Checks = append(report.Checks, checkSchedules(cfg)...)
		report.Checks = append(report.Checks, checkSummarizer(cfg))
		report.Checks = append(report.Checks, checkDatabase(ctx, cfg)...)
	}

	for _, c := range report.Checks {
		switch c.Status {
		case "pass":
			report.Summary.Pass++
		case "warn":
			report.Summary.Warn++
		case "fail":
			report.Summary.Fail++
		}
	}

	report.Status = "pass"
	if report.Summary.Warn > 0 {
		report.Status = "warn"
	}
	if report.Summary.Fail > 0 {
		report.Status = "fail"
	}
	return report
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s: %v", cfg.DataDir, err),
			Fix:     "ensure the directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

// checkSchedules parses the three cron expressions with the same parser the
// consolidation scheduler uses, so a bad expression fails here instead of
// at serve time.
func checkSchedules(cfg *config.Config) []CheckResult {
	parser := cron.ParseStandard
	var results []CheckResult
	for _, s := range []struct{ name, expr string }{
		{"schedule_daily", cfg.ScheduleDaily},
		{"schedule_weekly", cfg.ScheduleWeekly},
		{"schedule_monthly", cfg.ScheduleMonthly},
	} {
		if _, err := parser(s.expr); err != nil {
			results = append(results, CheckResult{
				Name: s.name, Category: "config", Status: "fail",
				Message: fmt.Sprintf("%q: %v", s.expr, err),
				Fix:     "use a 5-field cron expression (e.g. \"0 3 * * *\")",
			})
			continue
		}
		results = append(results, CheckResult{
			Name: s.name, Category: "config", Status: "pass",
			Message: s.expr,
		})
	}
	return results
}

func checkSummarizer(cfg *config.Config) CheckResult {
	if cfg.OpenAIAPIKey == "" {
		return CheckResult{
			Name: "llm_summarizer", Category: "config", Status: "warn",
			Message: "no OpenAI API key, reflections use heuristic summaries",
			Fix:     "set MNEMOS_OPENAI_API_KEY to enable LLM-worded reflections",
		}
	}
	return CheckResult{
		Name: "llm_summarizer", Category: "config", Status: "pass",
		Message: "OpenAI summarizer configured",
	}
}

// checkDatabase opens the engine database and initializes every store's
// schema, then reports row counts for the default tenant as a smoke signal.
func checkDatabase(ctx context.Context, cfg *config.Config) []CheckResult {
	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return []CheckResult{{
			Name: "database_open", Category: "system", Status: "fail",
			Message: fmt.Sprintf("%s: %v", cfg.DBPath(), err),
		}}
	}
	defer db.Close()

	svc, err := core.New(db, nil)
	if err != nil {
		return []CheckResult{{
			Name: "database_schema", Category: "system", Status: "fail",
			Message: fmt.Sprintf("initializing schema: %v", err),
		}}
	}

	results := []CheckResult{{
		Name: "database_open", Category: "system", Status: "pass",
		Message: cfg.DBPath() + sizeSuffix(cfg.DBPath()),
	}}

	statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if st, err := svc.Stats(statsCtx, "default"); err == nil {
		results = append(results, CheckResult{
			Name: "database_stats", Category: "system", Status: "pass",
			Message: fmt.Sprintf("tenant default: %d events, %d chunks, %d decisions",
				st.Events, st.Chunks, st.Decisions),
		})
	}
	return results
}

func sizeSuffix(path string) string {
	fi, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(" (%.1f MB)", float64(fi.Size())/(1024*1024))
}
