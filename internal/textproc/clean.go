// Package textproc normalizes raw record content and splits it into
// token-bounded, overlapping chunks.
//
// Cleaning strips HTML markup, quoted-reply blocks, forwarding banners and
// trailing signatures using ordered line-scan heuristics. Chunk bounds are
// configured per source kind because retrieval precision differs by record
// verbosity (comments are terse, tickets and emails are not).
package textproc

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	// Reply boundaries, checked top-down. Everything at and below the first
	// match is quoted history, not new content.
	replyBoundaryRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^On .{0,120} wrote:\s*$`),
		regexp.MustCompile(`(?i)^-{2,}\s*Original Message\s*-{2,}`),
		regexp.MustCompile(`(?i)^-{2,}\s*Forwarded message\s*-{2,}`),
		regexp.MustCompile(`(?i)^Begin forwarded message`),
		regexp.MustCompile(`(?i)^From:\s+.+@.+`),
		regexp.MustCompile(`(?i)^_{10,}\s*$`),
	}

	// Signature markers, scanned only near the end of the body to avoid
	// false positives mid-text.
	signatureRes = []*regexp.Regexp{
		regexp.MustCompile(`^--\s*$`),
		regexp.MustCompile(`(?i)^Sent from my `),
		regexp.MustCompile(`(?i)^(Best regards|Kind regards|Regards|Thanks|Thank you|Cheers|Sincerely)[,.!]?\s*$`),
		regexp.MustCompile(`(?i)^Get Outlook for `),
	}

	whitespaceRe = regexp.MustCompile(`[ \t]+`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// signatureScanLines bounds the trailing window searched for signature
// markers.
const signatureScanLines = 15

// Clean normalizes raw (possibly HTML) content into plain searchable text.
func Clean(raw string) string {
	text := stripHTML(raw)
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	lines = cutReplyBlock(lines)
	lines = cutSignature(lines)
	lines = dropQuotedLines(lines)

	text = strings.Join(lines, "\n")
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// stripHTML extracts text content from HTML markup. Non-HTML input passes
// through unchanged.
func stripHTML(raw string) string {
	if !strings.Contains(raw, "<") {
		return raw
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return raw
	}
	doc.Find("script, style").Remove()
	doc.Find("br, p, div, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return doc.Text()
}

// cutReplyBlock drops everything at and below the first reply boundary.
func cutReplyBlock(lines []string) []string {
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, re := range replyBoundaryRes {
			if re.MatchString(trimmed) {
				return lines[:i]
			}
		}
	}
	return lines
}

// cutSignature drops a trailing signature. Markers are only honored in the
// last signatureScanLines lines.
func cutSignature(lines []string) []string {
	start := len(lines) - signatureScanLines
	if start < 0 {
		start = 0
	}
	for i := start; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		for _, re := range signatureRes {
			if re.MatchString(trimmed) {
				return lines[:i]
			}
		}
	}
	return lines
}

// dropQuotedLines removes "> " quote prefixed lines that survive boundary
// detection (interleaved quoting).
func dropQuotedLines(lines []string) []string {
	out := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		out = append(out, line)
	}
	return out
}
