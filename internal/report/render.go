package report

import (
	"encoding/csv"
	"fmt"
	"strings"
)

// RenderMarkdown renders the document as a human-readable report. Omitted
// sections are listed at the end so a reader knows what is missing and
// why.
func RenderMarkdown(doc *Document) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Portfolio Risk Report: %s\n\n", doc.PortfolioName)
	fmt.Fprintf(&b, "As of %s, generated %s\n\n", doc.AnchorDate, doc.GeneratedAt.Format("2006-01-02 15:04:05 MST"))

	if doc.Summary != nil {
		b.WriteString("## Summary\n\n")
		fmt.Fprintf(&b, "| Positions | Total Value |\n|---|---|\n| %d | %s |\n\n",
			doc.Summary.PositionCount, doc.Summary.TotalValue.StringFixed(2))
	}

	if doc.Snapshot != nil {
		s := doc.Snapshot
		b.WriteString("## Exposures\n\n")
		b.WriteString("| Long | Short | Gross | Net |\n|---|---|---|---|\n")
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n\n",
			s.LongExposure.StringFixed(2), s.ShortExposure.StringFixed(2),
			s.GrossExposure.StringFixed(2), s.NetExposure.StringFixed(2))
	}

	if doc.Greeks != nil {
		gk := doc.Greeks
		b.WriteString("## Greeks\n\n")
		b.WriteString("| Delta | Gamma | Theta | Vega | Rho | $Delta |\n|---|---|---|---|---|---|\n")
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n\n",
			gk.Delta.StringFixed(4), gk.Gamma.StringFixed(4), gk.Theta.StringFixed(4),
			gk.Vega.StringFixed(4), gk.Rho.StringFixed(4), gk.DollarDelta.StringFixed(2))
	}

	if len(doc.FactorExposures) > 0 {
		b.WriteString("## Factor Exposures\n\n")
		b.WriteString("| Factor | Beta | Dollar Exposure |\n|---|---|---|\n")
		for _, row := range doc.FactorExposures {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", row.Factor, row.Beta.StringFixed(6), row.DollarExposure.StringFixed(2))
		}
		b.WriteString("\n")
	}

	if len(doc.MarketRisk) > 0 {
		b.WriteString("## Market Risk Scenarios\n\n")
		b.WriteString("| Scenario | Factor | Shock | P&L |\n|---|---|---|---|\n")
		for _, row := range doc.MarketRisk {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", row.ScenarioKey, row.ShockFactor, row.ShockAmount.String(), row.PnL.StringFixed(2))
		}
		b.WriteString("\n")
	}

	if len(doc.StressTests) > 0 {
		b.WriteString("## Stress Tests\n\n")
		b.WriteString("| Scenario | Severity | Direct P&L | Correlated P&L | Correlation Effect |\n|---|---|---|---|---|\n")
		for _, row := range doc.StressTests {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				row.Name, row.Severity, row.DirectPnL.StringFixed(2),
				row.CorrelatedPnL.StringFixed(2), row.CorrelationEffect.StringFixed(2))
		}
		b.WriteString("\n")
	}

	if len(doc.Omissions) > 0 {
		b.WriteString("## Omitted Sections\n\n")
		for _, o := range doc.Omissions {
			fmt.Fprintf(&b, "- %s: %s\n", o.Section, o.Reason)
		}
		b.WriteString("\n")
	}

	return b.String()
}

// RenderCSV flattens the document into a long-format table with one row
// per metric, suitable for spreadsheet import.
func RenderCSV(doc *Document) string {
	var b strings.Builder
	w := csv.NewWriter(&b)

	_ = w.Write([]string{"section", "key", "metric", "value"})

	if doc.Summary != nil {
		_ = w.Write([]string{SectionSummary, "", "position_count", fmt.Sprintf("%d", doc.Summary.PositionCount)})
		_ = w.Write([]string{SectionSummary, "", "total_value", doc.Summary.TotalValue.StringFixed(2)})
	}
	if doc.Snapshot != nil {
		s := doc.Snapshot
		_ = w.Write([]string{SectionSnapshot, s.SnapshotDate, "long_exposure", s.LongExposure.StringFixed(2)})
		_ = w.Write([]string{SectionSnapshot, s.SnapshotDate, "short_exposure", s.ShortExposure.StringFixed(2)})
		_ = w.Write([]string{SectionSnapshot, s.SnapshotDate, "gross_exposure", s.GrossExposure.StringFixed(2)})
		_ = w.Write([]string{SectionSnapshot, s.SnapshotDate, "net_exposure", s.NetExposure.StringFixed(2)})
	}
	if doc.Greeks != nil {
		gk := doc.Greeks
		_ = w.Write([]string{SectionGreeks, "", "delta", gk.Delta.StringFixed(4)})
		_ = w.Write([]string{SectionGreeks, "", "gamma", gk.Gamma.StringFixed(4)})
		_ = w.Write([]string{SectionGreeks, "", "theta", gk.Theta.StringFixed(4)})
		_ = w.Write([]string{SectionGreeks, "", "vega", gk.Vega.StringFixed(4)})
		_ = w.Write([]string{SectionGreeks, "", "rho", gk.Rho.StringFixed(4)})
		_ = w.Write([]string{SectionGreeks, "", "dollar_delta", gk.DollarDelta.StringFixed(2)})
	}
	for _, row := range doc.FactorExposures {
		_ = w.Write([]string{SectionFactorExposures, row.Factor, "beta", row.Beta.StringFixed(6)})
		_ = w.Write([]string{SectionFactorExposures, row.Factor, "dollar_exposure", row.DollarExposure.StringFixed(2)})
	}
	for _, row := range doc.MarketRisk {
		_ = w.Write([]string{SectionMarketRisk, row.ScenarioKey, "pnl", row.PnL.StringFixed(2)})
	}
	for _, row := range doc.StressTests {
		_ = w.Write([]string{SectionStressTests, row.ScenarioID, "direct_pnl", row.DirectPnL.StringFixed(2)})
		_ = w.Write([]string{SectionStressTests, row.ScenarioID, "correlated_pnl", row.CorrelatedPnL.StringFixed(2)})
		_ = w.Write([]string{SectionStressTests, row.ScenarioID, "correlation_effect", row.CorrelationEffect.StringFixed(2)})
	}
	for _, o := range doc.Omissions {
		_ = w.Write([]string{"omission", o.Section, "reason", o.Reason})
	}

	w.Flush()
	return b.String()
}
