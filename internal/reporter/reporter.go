// Package reporter renders dashboard projections as HTML, CSV and JSON files.
package reporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/budget"
	"github.com/lvonguyen/cost-guardian/internal/config"
	"github.com/lvonguyen/cost-guardian/internal/dashboard"
	"github.com/lvonguyen/cost-guardian/internal/projector"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
	"github.com/lvonguyen/cost-guardian/internal/store"
)

// ReportData contains all data for report generation
type ReportData struct {
	Period          string                     `json:"period"`
	Finance         projector.FinanceView      `json:"finance"`
	Accounts        []projector.AccountTotal   `json:"accounts"`
	Anomalies       []anomaly.Anomaly          `json:"anomalies"`
	Recommendations []recommend.Recommendation `json:"recommendations"`
	BudgetAlerts    []budget.Alert             `json:"budget_alerts"`
	Metrics         []projector.Metric         `json:"metrics"`
	GeneratedAt     time.Time                  `json:"generated_at"`
}

// Collect gathers report data for a period from the dashboard service.
// Only pending recommendations are included.
func Collect(ctx context.Context, svc *dashboard.Service, p dashboard.Period, alerts []budget.Alert, now time.Time) (ReportData, error) {
	fin, err := svc.Finance(ctx, p)
	if err != nil {
		return ReportData{}, fmt.Errorf("finance view: %w", err)
	}
	msp, err := svc.MSP(ctx, p)
	if err != nil {
		return ReportData{}, fmt.Errorf("msp view: %w", err)
	}
	it, err := svc.IT(ctx, p, projector.MetricFilter{Start: p.Start, End: p.End})
	if err != nil {
		return ReportData{}, fmt.Errorf("it view: %w", err)
	}
	recs, err := svc.Recommendations(ctx, store.RecommendationFilter{Status: recommend.StatusPending})
	if err != nil {
		return ReportData{}, fmt.Errorf("recommendations: %w", err)
	}

	data := ReportData{
		Finance:         fin.Data,
		Accounts:        msp.Data.Accounts,
		Anomalies:       it.Data.OpenAnomalies,
		Recommendations: recs.Data,
		BudgetAlerts:    alerts,
		Metrics:         it.Data.Metrics,
		GeneratedAt:     now,
	}
	if !msp.Data.Period[0].IsZero() {
		data.Period = msp.Data.Period[0].Format("2006-01-02") + " to " + msp.Data.Period[1].Format("2006-01-02")
	}
	return data, nil
}

// Reporter generates cost reports
type Reporter struct {
	config config.ReporterConfig
	logger *zap.Logger
}

// New creates a new Reporter
func New(cfg config.ReporterConfig, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{config: cfg, logger: logger}
}

// GenerateHTML writes the HTML report, using the configured template file
// when one is set.
func (r *Reporter) GenerateHTML(data ReportData) (string, error) {
	tmpl, err := r.template()
	if err != nil {
		return "", err
	}
	return r.write(data, "html", func(w io.Writer) error {
		if err := tmpl.Execute(w, data); err != nil {
			return fmt.Errorf("failed to execute template: %w", err)
		}
		return nil
	})
}

// GenerateCSV writes one line per resource and day.
func (r *Reporter) GenerateCSV(data ReportData) (string, error) {
	return r.write(data, "csv", func(w io.Writer) error {
		return WriteMetricsCSV(w, data.Metrics)
	})
}

// GenerateJSON writes the full report data.
func (r *Reporter) GenerateJSON(data ReportData) (string, error) {
	return r.write(data, "json", func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		return nil
	})
}

// WriteMetricsCSV writes metrics with a header line.
func WriteMetricsCSV(w io.Writer, metrics []projector.Metric) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{
		"resource_id", "resource_type", "unblended_cost_usd", "utilization_score",
		"billing_tag_owner", "timestamp_day", "service_name_simplified", "account_id", "anomaly_flag",
	}); err != nil {
		return err
	}
	for _, m := range metrics {
		if err := writer.Write([]string{
			m.ResourceID,
			string(m.ResourceType),
			strconv.FormatFloat(m.UnblendedCostUSD, 'f', -1, 64),
			strconv.FormatFloat(m.UtilizationScore, 'f', -1, 64),
			m.BillingTagOwner,
			m.TimestampDay,
			m.ServiceNameSimplified,
			m.AccountID,
			strconv.FormatBool(m.AnomalyFlag),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func (r *Reporter) write(data ReportData, ext string, render func(io.Writer) error) (string, error) {
	if err := os.MkdirAll(r.config.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	stamp := data.GeneratedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	outputPath := filepath.Join(r.config.OutputDir, fmt.Sprintf("cost-report-%s.%s", stamp.UTC().Format("20060102-150405"), ext))

	f, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if err := render(f); err != nil {
		_ = f.Close()
		_ = os.Remove(outputPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", outputPath, err)
	}

	r.logger.Info("Report written", zap.String("format", ext), zap.String("path", outputPath))
	return outputPath, nil
}

func (r *Reporter) template() (*template.Template, error) {
	src := htmlTemplate
	if r.config.HTMLTemplate != "" {
		b, err := os.ReadFile(r.config.HTMLTemplate)
		if err != nil {
			return nil, fmt.Errorf("failed to read template: %w", err)
		}
		src = string(b)
	}
	tmpl, err := template.New("report").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return tmpl, nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Cost Report - {{.Period}}</title>
    <style>
        :root {
            --bg-dark: #0f172a; --bg-card: #1e293b; --border: #334155;
            --text-primary: #f1f5f9; --text-secondary: #94a3b8;
            --accent-blue: #3b82f6; --accent-green: #22c55e;
            --accent-yellow: #eab308; --accent-red: #ef4444;
        }
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; background: var(--bg-dark); color: var(--text-primary); line-height: 1.6; padding: 2rem; }
        .container { max-width: 1400px; margin: 0 auto; }
        h1 { font-size: 2rem; margin-bottom: 0.5rem; }
        .subtitle { color: var(--text-secondary); margin-bottom: 2rem; }
        .stats-grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 1rem; margin-bottom: 2rem; }
        .stat-card { background: var(--bg-card); border: 1px solid var(--border); border-radius: 12px; padding: 1.5rem; }
        .stat-label { color: var(--text-secondary); font-size: 0.875rem; }
        .stat-value { font-size: 2rem; font-weight: 700; }
        .green { color: var(--accent-green); } .yellow { color: var(--accent-yellow); } .red { color: var(--accent-red); }
        .section { margin-bottom: 2rem; }
        .section-title { font-size: 1.25rem; margin-bottom: 1rem; padding-bottom: 0.5rem; border-bottom: 1px solid var(--border); }
        table { width: 100%; border-collapse: collapse; background: var(--bg-card); border-radius: 12px; overflow: hidden; }
        th, td { padding: 0.75rem 1rem; text-align: left; }
        th { background: rgba(59, 130, 246, 0.1); font-weight: 600; color: var(--accent-blue); }
        tr:not(:last-child) { border-bottom: 1px solid var(--border); }
        .badge { display: inline-block; padding: 0.25rem 0.75rem; border-radius: 9999px; font-size: 0.75rem; font-weight: 600; }
        .badge.info, .badge.low { background: rgba(34, 197, 94, 0.2); color: var(--accent-green); }
        .badge.medium { background: rgba(234, 179, 8, 0.2); color: var(--accent-yellow); }
        .badge.high, .badge.critical { background: rgba(239, 68, 68, 0.2); color: var(--accent-red); }
        .footer { margin-top: 3rem; padding-top: 1rem; border-top: 1px solid var(--border); color: var(--text-secondary); font-size: 0.875rem; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Cloud Cost Report</h1>
        <p class="subtitle">{{.Period}} | Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}</p>

        <div class="stats-grid">
            <div class="stat-card">
                <div class="stat-label">Total Cost</div>
                <div class="stat-value">${{printf "%.2f" .Finance.TotalCost}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Untagged</div>
                <div class="stat-value {{if gt .Finance.Governance.UntaggedPct 0.0}}yellow{{else}}green{{end}}">{{printf "%.1f" .Finance.Governance.UntaggedPct}}%</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Open Anomalies</div>
                <div class="stat-value {{if .Anomalies}}red{{else}}green{{end}}">{{len .Anomalies}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Potential Savings / mo</div>
                <div class="stat-value green">${{printf "%.2f" .Finance.Savings.MonthlyPotential}}</div>
            </div>
            {{with .Finance.Forecast}}
            <div class="stat-card">
                <div class="stat-label">Forecast to {{.End.Format "2006-01-02"}}</div>
                <div class="stat-value">${{printf "%.2f" .Amount}}</div>
            </div>
            {{end}}
        </div>

        {{if .Accounts}}
        <div class="section">
            <h2 class="section-title">Cost by Account</h2>
            <table>
                <thead><tr><th>Account</th><th>Cost</th><th>Resources</th><th>Anomalies</th><th>Savings</th><th>Untagged</th></tr></thead>
                <tbody>
                    {{range .Accounts}}
                    <tr>
                        <td>{{.AccountID}}</td>
                        <td>${{printf "%.2f" .Cost}}</td>
                        <td>{{.Resources}}</td>
                        <td>{{.Anomalies}}</td>
                        <td>${{printf "%.2f" .PotentialSavings}}</td>
                        <td>{{printf "%.1f" .UntaggedPct}}%</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{if .Anomalies}}
        <div class="section">
            <h2 class="section-title">Cost Anomalies</h2>
            <table>
                <thead><tr><th>Resource</th><th>Type</th><th>Actual</th><th>Expected</th><th>Savings / mo</th><th>Severity</th></tr></thead>
                <tbody>
                    {{range .Anomalies}}
                    <tr>
                        <td>{{.ResourceID}}</td>
                        <td>{{.Type}}</td>
                        <td>${{printf "%.2f" .ActualCost}}</td>
                        <td>${{printf "%.2f" .ExpectedCost}}</td>
                        <td>${{printf "%.2f" .PredictedSavings}}</td>
                        <td><span class="badge {{.Severity}}">{{.Severity}}</span></td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{if .Recommendations}}
        <div class="section">
            <h2 class="section-title">Pending Recommendations</h2>
            <table>
                <thead><tr><th>Resource</th><th>Action</th><th>Owner</th><th>Current / mo</th><th>Savings / mo</th><th>Severity</th></tr></thead>
                <tbody>
                    {{range .Recommendations}}
                    <tr>
                        <td>{{.ResourceID}}</td>
                        <td>{{.Type}}</td>
                        <td>{{.Owner}}</td>
                        <td>${{printf "%.2f" .CurrentMonthlyCost}}</td>
                        <td>${{printf "%.2f" .ProjectedSavingsMonthly}}</td>
                        <td><span class="badge {{.Severity}}">{{.Severity}}</span></td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{if .BudgetAlerts}}
        <div class="section">
            <h2 class="section-title">Budget Alerts</h2>
            <table>
                <thead><tr><th>Budget</th><th>Scope</th><th>Current Spend</th><th>Limit</th><th>Usage</th><th>Severity</th></tr></thead>
                <tbody>
                    {{range .BudgetAlerts}}
                    <tr>
                        <td>{{.BudgetName}}</td>
                        <td>{{.Scope}}</td>
                        <td>${{printf "%.2f" .CurrentSpend}}</td>
                        <td>${{printf "%.2f" .BudgetLimit}}</td>
                        <td>{{printf "%.1f" .PercentUsed}}%</td>
                        <td><span class="badge {{.Severity}}">{{.Severity}}</span></td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        <div class="footer">
            <p>Generated by cost-guardian</p>
        </div>
    </div>
</body>
</html>`
