package invitation

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"

	"gradaccess/internal/credential"
)

// PDFRenderer lays out one A4 invitation per companion.
type PDFRenderer struct {
	qr   credential.Renderer
	logo []byte
}

// NewPDFRenderer creates a renderer. logo is optional PNG data.
func NewPDFRenderer(qr credential.Renderer, logo []byte) *PDFRenderer {
	return &PDFRenderer{qr: qr, logo: logo}
}

// Render builds the invitation for companion number of the named student.
func (r *PDFRenderer) Render(studentName string, number int, token string) ([]byte, error) {
	qrPNG, err := r.qr.Render(token)
	if err != nil {
		return nil, fmt.Errorf("render companion qr: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(true)
	pdf.SetMargins(20, 15, 20)
	pdf.SetAutoPageBreak(false, 15)
	pdf.SetTitle(fmt.Sprintf("Companion invitation %d", number), true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pageW, _ := pdf.GetPageSize()
	contentW := pageW - 40

	if len(r.logo) > 0 {
		info := pdf.RegisterImageOptionsReader("logo", fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(r.logo))
		if info != nil && !pdf.Err() {
			h := 17.0
			w := h * info.Width() / info.Height()
			pdf.ImageOptions("logo", (pageW-w)/2, pdf.GetY(), w, h, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
			pdf.Ln(h + 4)
		} else {
			pdf.ClearError()
		}
	}

	pdf.SetFillColor(0, 32, 96)
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(contentW, 14, tr("GRADUATION CEREMONY"), "", 1, "C", true, 0, "")
	pdf.Ln(8)

	pdf.SetTextColor(0, 32, 96)
	pdf.SetFont("Helvetica", "B", 24)
	pdf.CellFormat(contentW, 12, tr("SPECIAL INVITATION"), "", 1, "C", false, 0, "")
	pdf.SetTextColor(0, 154, 68)
	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(contentW, 10, tr("Commencement"), "", 1, "C", false, 0, "")
	pdf.Ln(6)

	pdf.SetTextColor(0, 32, 96)
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(contentW, 8, tr("Graduate: "+studentName), "", 1, "C", false, 0, "")
	pdf.Ln(2)
	pdf.CellFormat(contentW, 8, tr(fmt.Sprintf("Invitation for companion #%d", number)), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "", 12)
	pdf.MultiCell(contentW, 6, tr("We are honoured to invite you to the graduation ceremony that marks the end of our graduate's university studies."), "", "C", false)
	pdf.Ln(6)

	boxW, qrSize := 60.0, 40.0
	boxX, boxY := (pageW-boxW)/2, pdf.GetY()
	pdf.SetFillColor(242, 242, 242)
	pdf.SetDrawColor(0, 154, 68)
	pdf.SetLineWidth(0.7)
	pdf.Rect(boxX, boxY, boxW, 62, "FD")
	pdf.RegisterImageOptionsReader("qr", fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(qrPNG))
	pdf.ImageOptions("qr", (pageW-qrSize)/2, boxY+4, qrSize, qrSize, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
	pdf.SetXY(boxX, boxY+46)
	pdf.SetTextColor(0, 32, 96)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(boxW, 6, tr("ACCESS CODE"), "", 2, "C", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(boxW, 5, tr("Show this code at the entrance"), "", 1, "C", false, 0, "")
	pdf.SetY(boxY + 70)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(contentW, 7, tr("IMPORTANT"), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	for _, line := range []string{
		"This invitation is personal and non-transferable",
		"The code admits one person and works only once",
		"Please arrive 30 minutes early",
		"Formal attire is required",
	} {
		pdf.CellFormat(contentW, 6, tr("- "+line), "", 1, "C", false, 0, "")
	}
	pdf.Ln(8)

	pdf.SetFillColor(0, 32, 96)
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(contentW, 9, tr("Graduation office"), "", 1, "C", true, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write invitation pdf: %w", err)
	}
	return buf.Bytes(), nil
}
