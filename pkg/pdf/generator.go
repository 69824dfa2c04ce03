package pdf

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// Field is one labelled line of a document body.
type Field struct {
	Label string
	Value string
}

// Document describes a single-page certificate-style PDF.
type Document struct {
	Title     string
	Subtitle  string
	Fields    []Field
	Footer    string
	Watermark string
	IssuedAt  time.Time
}

// Options control page geometry and typography.
type Options struct {
	PageSize      string
	Orientation   string
	FontFamily    string
	FontSize      float64
	TitleFontSize float64
	Margin        float64
	DateFormat    string
}

// DefaultOptions returns A4 portrait with Arial.
func DefaultOptions() Options {
	return Options{
		PageSize:      "A4",
		Orientation:   "portrait",
		FontFamily:    "Arial",
		FontSize:      11,
		TitleFontSize: 20,
		Margin:        20,
		DateFormat:    "2006-01-02 15:04 MST",
	}
}

type Generator interface {
	Generate(ctx context.Context, doc Document) ([]byte, error)
}

type fpdfGenerator struct {
	options Options
}

func NewGenerator(options Options) Generator {
	return &fpdfGenerator{options: options}
}

func (g *fpdfGenerator) Generate(ctx context.Context, doc Document) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	orientation := "P"
	if g.options.Orientation == "landscape" {
		orientation = "L"
	}
	pdf := gofpdf.New(orientation, "mm", g.options.PageSize, "")
	pdf.SetMargins(g.options.Margin, g.options.Margin, g.options.Margin)
	pdf.SetTitle(doc.Title, true)
	pdf.AddPage()

	if doc.Watermark != "" {
		g.addWatermark(pdf, doc.Watermark)
	}

	pdf.SetFont(g.options.FontFamily, "B", g.options.TitleFontSize)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 14, doc.Title, "", 1, "C", false, 0, "")

	if doc.Subtitle != "" {
		pdf.SetFont(g.options.FontFamily, "", g.options.FontSize+2)
		pdf.SetTextColor(90, 90, 90)
		pdf.CellFormat(0, 8, doc.Subtitle, "", 1, "C", false, 0, "")
	}
	pdf.Ln(10)

	pageWidth, _ := pdf.GetPageSize()
	labelWidth := (pageWidth - 2*g.options.Margin) * 0.35
	for _, f := range doc.Fields {
		pdf.SetFont(g.options.FontFamily, "B", g.options.FontSize)
		pdf.SetTextColor(0, 0, 0)
		pdf.CellFormat(labelWidth, 8, f.Label, "B", 0, "L", false, 0, "")
		pdf.SetFont(g.options.FontFamily, "", g.options.FontSize)
		pdf.CellFormat(0, 8, f.Value, "B", 1, "L", false, 0, "")
	}

	if !doc.IssuedAt.IsZero() {
		pdf.Ln(6)
		pdf.SetFont(g.options.FontFamily, "I", g.options.FontSize-1)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 6, fmt.Sprintf("Issued: %s", doc.IssuedAt.UTC().Format(g.options.DateFormat)), "", 1, "R", false, 0, "")
	}

	if doc.Footer != "" {
		pdf.SetY(-g.options.Margin - 10)
		pdf.SetFont(g.options.FontFamily, "", g.options.FontSize-2)
		pdf.SetTextColor(128, 128, 128)
		pdf.MultiCell(0, 5, doc.Footer, "", "C", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *fpdfGenerator) addWatermark(pdf *gofpdf.Fpdf, text string) {
	pageWidth, pageHeight := pdf.GetPageSize()
	pdf.SetFont(g.options.FontFamily, "B", 60)
	pdf.SetTextColor(235, 235, 235)
	pdf.TransformBegin()
	pdf.TransformRotate(45, pageWidth/2, pageHeight/2)
	pdf.Text(pageWidth/2-pdf.GetStringWidth(text)/2, pageHeight/2, text)
	pdf.TransformEnd()
}
