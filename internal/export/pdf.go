package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Paper dimensions in inches.
type paper struct {
	width, height float64
}

var (
	paperLetter = paper{width: 8.5, height: 11}
	paperA4     = paper{width: 8.27, height: 11.69}
)

// paperNamed maps a configured paper name to its size. Unknown names get
// Letter.
func paperNamed(name string) paper {
	if strings.EqualFold(strings.TrimSpace(name), "a4") {
		return paperA4
	}
	return paperLetter
}

const reportFooter = `<div style="font-size:8px;width:100%;padding:0 0.6in;color:#666;display:flex;justify-content:space-between;">` +
	`<span>Confidential client intake</span>` +
	`<span><span class="pageNumber"></span> / <span class="totalPages"></span></span></div>`

var chromiumBinaries = []string{"chromium-browser", "chromium", "google-chrome"}

// chromePrinter prints report HTML through a headless Chromium.
type chromePrinter struct {
	paper   paper
	timeout time.Duration
}

func (p chromePrinter) print(parent context.Context, html string) ([]byte, error) {
	binary, err := findChromium()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(binary),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	var pdf []byte
	err = chromedp.Run(tabCtx,
		chromedp.Navigate("data:text/html;charset=utf-8;base64,"+base64.StdEncoding.EncodeToString([]byte(html))),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(p.paper.width).
				WithPaperHeight(p.paper.height).
				WithMarginTop(0.6).
				WithMarginBottom(0.8).
				WithMarginLeft(0.6).
				WithMarginRight(0.6).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<span></span>").
				WithFooterTemplate(reportFooter).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print report pdf: %w", err)
	}
	return pdf, nil
}

func findChromium() (string, error) {
	for _, name := range chromiumBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s on PATH", ErrPDFDependencyMissing, strings.Join(chromiumBinaries, ", "))
}

// reportFilename builds "<title-slug>-<date>.<ext>" for a download.
func reportFilename(title string, generatedAt time.Time, ext string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 60 {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "intake-report"
	}
	return slug + "-" + generatedAt.Format("2006-01-02") + "." + ext
}
