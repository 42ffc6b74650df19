// Package export renders payslip snapshots into PDF documents.
package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/helios-ops/helios-ops/internal/payroll"
)

// PayslipRenderer produces a PDF from an immutable payslip snapshot. It is a
// pure function of the snapshot: rendering the same snapshot twice yields an
// equivalent document.
type PayslipRenderer struct {
	printer *message.Printer
}

// NewPayslipRenderer constructs a renderer.
func NewPayslipRenderer() *PayslipRenderer {
	return &PayslipRenderer{printer: message.NewPrinter(language.Spanish)}
}

// Render builds the payslip document bytes.
func (r *PayslipRenderer) Render(ctx context.Context, snapshot payroll.PayslipSnapshot) ([]byte, error) {
	if snapshot.Employee.ID == 0 {
		return nil, fmt.Errorf("export: snapshot has no employee")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, snapshot.Company.Name)
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	if snapshot.Company.TaxID != "" {
		pdf.Cell(0, 6, fmt.Sprintf("RNC: %s", snapshot.Company.TaxID))
		pdf.Ln(5)
	}
	if snapshot.Company.Address != "" {
		pdf.Cell(0, 6, snapshot.Company.Address)
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 13)
	pdf.Cell(0, 8, "Payslip")
	pdf.Ln(9)
	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 7, fmt.Sprintf("Employee: %s", snapshot.Employee.Name))
	pdf.Ln(6)
	pdf.Cell(0, 7, fmt.Sprintf("Period: %s to %s",
		snapshot.Period.DateFrom.Format("2006-01-02"), snapshot.Period.DateTo.Format("2006-01-02")))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(90, 7, "Concept", "B", 0, "L", false, 0, "")
	pdf.CellFormat(45, 7, "Earnings", "B", 0, "R", false, 0, "")
	pdf.CellFormat(45, 7, "Deductions", "B", 1, "R", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	for _, line := range snapshot.Lines {
		amount := r.money(line.Amount, snapshot.Figures.Currency)
		pdf.CellFormat(90, 6, line.ConceptName, "", 0, "L", false, 0, "")
		if line.Type == payroll.MovementEarning {
			pdf.CellFormat(45, 6, amount, "", 0, "R", false, 0, "")
			pdf.CellFormat(45, 6, "", "", 1, "R", false, 0, "")
		} else {
			pdf.CellFormat(45, 6, "", "", 0, "R", false, 0, "")
			pdf.CellFormat(45, 6, amount, "", 1, "R", false, 0, "")
		}
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 7, fmt.Sprintf("Gross: %s", r.money(snapshot.Figures.GrossAmount, snapshot.Figures.Currency)))
	pdf.Ln(6)
	pdf.Cell(0, 7, fmt.Sprintf("Statutory deductions: %s", r.money(snapshot.Figures.StatutoryDeductions, snapshot.Figures.Currency)))
	pdf.Ln(6)
	pdf.Cell(0, 7, fmt.Sprintf("Other deductions: %s", r.money(snapshot.Figures.OtherDeductions, snapshot.Figures.Currency)))
	pdf.Ln(6)
	pdf.Cell(0, 7, fmt.Sprintf("Net pay: %s", r.money(snapshot.Figures.NetAmount, snapshot.Figures.Currency)))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "I", 8)
	pdf.Cell(0, 5, fmt.Sprintf("Generated %s", snapshot.GeneratedAt.Format(time.RFC3339)))

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("export: render payslip: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *PayslipRenderer) money(amount float64, currency string) string {
	if currency == "" {
		currency = "DOP"
	}
	return r.printer.Sprintf("%s %.2f", currency, amount)
}
