// Package report renders analysis jobs as printable PDF summaries.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"

	"github.com/xelth-com/healthsync/internal/models"
)

// QRPrefix is prepended to the job id in the page's QR code
const QRPrefix = "healthsync://analysis/"

const (
	pageWidth = 210.0
	margin    = 15.0
	qrSize    = 35.0
)

// AnalysisPDF renders one job: its metadata, the flattened result or the
// error, and a QR code that reopens the job in the app
func AnalysisPDF(job *models.AnalysisJob) ([]byte, error) {
	if job == nil || job.JobID == "" {
		return nil, fmt.Errorf("job is required")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.SetTitle("Health analysis "+job.JobID, true)
	pdf.AddPage()

	qrPng, err := qrcode.Encode(QRPrefix+job.JobID, qrcode.Medium, 256)
	if err != nil {
		return nil, err
	}
	imgOptions := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: true}
	pdf.RegisterImageOptionsReader("job_qr", imgOptions, bytes.NewReader(qrPng))
	pdf.ImageOptions("job_qr", pageWidth-margin-qrSize, margin, qrSize, qrSize, false, imgOptions, 0, "")

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, "Health analysis report", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Arial", "", 10)
	meta := [][2]string{
		{"Job", job.JobID},
		{"Kind", job.Kind},
		{"Status", string(job.Status)},
		{"Submitted", formatTime(job.SubmittedAt)},
		{"Polls", fmt.Sprintf("%d", job.Attempt)},
	}
	if job.CompletedAt != nil {
		meta = append(meta, [2]string{"Finished", formatTime(*job.CompletedAt)})
	}
	for _, kv := range meta {
		row(pdf, kv[0], kv[1])
	}
	pdf.SetY(margin + qrSize + 5)

	switch {
	case job.Error != nil:
		section(pdf, "Error")
		pdf.SetFont("Arial", "", 10)
		pdf.MultiCell(0, 5, *job.Error, "", "L", false)
	case len(job.Result) > 0:
		section(pdf, "Result")
		pdf.SetFont("Arial", "", 10)
		fields, err := Flatten(json.RawMessage(job.Result))
		if err != nil {
			pdf.MultiCell(0, 5, string(job.Result), "", "L", false)
			break
		}
		for _, f := range fields {
			row(pdf, f[0], f[1])
		}
	default:
		section(pdf, "Result")
		pdf.SetFont("Arial", "I", 10)
		pdf.CellFormat(0, 6, "No result yet", "", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Flatten turns a JSON object into sorted dotted key/value pairs
func Flatten(doc json.RawMessage) ([][2]string, error) {
	var v map[string]interface{}
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, err
	}
	var out [][2]string
	flatten("", v, &out)
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

func flatten(prefix string, v interface{}, out *[][2]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, scalar(e))
		}
		*out = append(*out, [2]string{prefix, strings.Join(parts, "; ")})
	default:
		*out = append(*out, [2]string{prefix, scalar(t)})
	}
}

func scalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case float64:
		return fmt.Sprintf("%.4g", t)
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func section(pdf *gofpdf.Fpdf, title string) {
	pdf.Ln(3)
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, title, "B", 1, "L", false, 0, "")
	pdf.Ln(1)
}

func row(pdf *gofpdf.Fpdf, key, value string) {
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(40, 6, key, "", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.MultiCell(100, 6, value, "", "L", false)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}
