package cleaner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordermail/internal/mailbox"
)

type fakePDF struct {
	text string
	err  error
}

func (f *fakePDF) PDFToText(ctx context.Context, data []byte) (string, error) {
	return f.text, f.err
}

type fakeOCR struct {
	text  string
	err   error
	calls int
}

func (f *fakeOCR) OCRImage(ctx context.Context, data []byte) (string, error) {
	f.calls++
	return f.text, f.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleanStripsQuotedThread(t *testing.T) {
	c := New(&fakePDF{}, &fakeOCR{}, discard())
	msg := &mailbox.Message{
		BodyText: "Please send 10 rolls of L1520-457.\n\nOn Mon, Aug 17, 2026 at 9:12 AM sales wrote:\n> earlier reply\n> more quoted text",
	}
	out, err := c.Clean(context.Background(), msg)
	require.NoError(t, err)
	assert.Contains(t, out.Text, "10 rolls of L1520-457")
	assert.NotContains(t, out.Text, "earlier reply")
}

func TestCleanKeepsShortBodyStartingWithMarker(t *testing.T) {
	c := New(&fakePDF{}, &fakeOCR{}, discard())
	msg := &mailbox.Message{BodyText: "> please confirm the order below"}
	out, err := c.Clean(context.Background(), msg)
	require.NoError(t, err)
	assert.Contains(t, out.Text, "please confirm")
}

func TestCleanStripsSignature(t *testing.T) {
	c := New(&fakePDF{}, &fakeOCR{}, discard())
	msg := &mailbox.Message{
		BodyText: "We need 5 sealing strips.\n\nMit freundlichen Grüßen\nAnna Berg\nSchur Star Systems GmbH",
	}
	out, err := c.Clean(context.Background(), msg)
	require.NoError(t, err)
	assert.Contains(t, out.Text, "5 sealing strips")
	assert.NotContains(t, out.Text, "Anna Berg")
}

func TestSignatureCutVetoedByAttachmentContent(t *testing.T) {
	pdf := &fakePDF{text: strings.Repeat("Pos 1: 20 x SDS1923 Duro Seal. ", 4)}
	c := New(pdf, &fakeOCR{}, discard())
	msg := &mailbox.Message{
		BodyText: "Order attached.\n\nMit freundlichen Grüßen\nAnna Berg",
		Attachments: []mailbox.Attachment{
			{Filename: "bestellung.pdf", Mime: "application/pdf", Bytes: []byte("%PDF")},
		},
	}
	out, err := c.Clean(context.Background(), msg)
	require.NoError(t, err)
	// The signature precedes the attachment text, so nothing is cut.
	assert.Contains(t, out.Text, "Anna Berg")
	assert.Contains(t, out.Text, "SDS1923")
	assert.Contains(t, out.Text, "=== ATTACHMENT: bestellung.pdf ===")
	assert.Contains(t, out.Text, "=== END ATTACHMENT ===")
}

func TestPDFFallsBackToOCRBelowThreshold(t *testing.T) {
	ocr := &fakeOCR{text: "Bestellung: 20 x SDS1923 Duro Seal, Breite 125 mm, Lieferung KW 36"}
	c := New(&fakePDF{text: "scan"}, ocr, discard())
	msg := &mailbox.Message{
		BodyText: "see attachment",
		Attachments: []mailbox.Attachment{
			{Filename: "scan.pdf", Mime: "application/pdf", Bytes: []byte("%PDF")},
		},
	}
	out, err := c.Clean(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, ocr.calls)
	assert.True(t, out.UsedOCR)
	require.Len(t, out.Attachments, 1)
	assert.True(t, out.Attachments[0].UsedOCR)
	assert.Contains(t, out.Text, "SDS1923")
}

func TestImageAttachmentGoesToOCR(t *testing.T) {
	ocr := &fakeOCR{text: "10 x 3M9353R"}
	c := New(&fakePDF{}, ocr, discard())
	msg := &mailbox.Message{
		BodyText: "photo of the order",
		Attachments: []mailbox.Attachment{
			{Filename: "order.jpg", Mime: "image/jpeg", Bytes: []byte{0xff, 0xd8}},
		},
	}
	out, err := c.Clean(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, ocr.calls)
	assert.Contains(t, out.Text, "3M9353R")
}

func TestTermsAttachmentReduced(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("1. Payment\nPayment net 30 days from invoice date.\n")
	sb.WriteString("2. Delivery\nDelivery DAP per Incoterms 2020.\n")
	sb.WriteString("3. Warranty\nWarranty period is 12 months.\n")
	sb.WriteString("4. Liability\nLiability is limited to the order value.\n")
	filler := strings.Repeat("General boilerplate clause about governing law and venue. ", 300)
	sb.WriteString(filler)
	require.GreaterOrEqual(t, sb.Len(), termsSizeThreshold)

	c := New(&fakePDF{text: sb.String()}, &fakeOCR{}, discard())
	msg := &mailbox.Message{
		BodyText: "order with our terms attached, 5 x L1520-600",
		Attachments: []mailbox.Attachment{
			{Filename: "AGB_Einkauf_2026.pdf", Mime: "application/pdf", Bytes: []byte("%PDF")},
		},
	}
	out, err := c.Clean(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, out.Attachments, 1)
	assert.True(t, out.Attachments[0].Reduced)
	assert.LessOrEqual(t, out.Attachments[0].Chars, termsExcerptLimit+len("[terms excerpt]\n"))
	assert.Contains(t, out.Text, "Payment net 30 days")
	assert.NotContains(t, out.Text, "governing law")
}

func TestNonTermsLargeAttachmentNotReduced(t *testing.T) {
	big := strings.Repeat("Pos 7: 100 x Liner. ", 600)
	c := New(&fakePDF{text: big}, &fakeOCR{}, discard())
	msg := &mailbox.Message{
		BodyText: "large order attached",
		Attachments: []mailbox.Attachment{
			{Filename: "bestellung_gross.pdf", Mime: "application/pdf", Bytes: []byte("%PDF")},
		},
	}
	out, err := c.Clean(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, out.Attachments[0].Reduced)
}

func TestHTMLBodyFallback(t *testing.T) {
	c := New(&fakePDF{}, &fakeOCR{}, discard())
	msg := &mailbox.Message{
		BodyHTML: "<html><head><style>p{color:red}</style></head><body><p>Order 3 x <b>SDS1923</b></p><p>thanks</p></body></html>",
	}
	out, err := c.Clean(context.Background(), msg)
	require.NoError(t, err)
	assert.Contains(t, out.Text, "SDS1923")
	assert.NotContains(t, out.Text, "color:red")
}

func TestEmptyMessage(t *testing.T) {
	c := New(&fakePDF{}, &fakeOCR{}, discard())
	out, err := c.Clean(context.Background(), &mailbox.Message{BodyText: "   \n  "})
	require.NoError(t, err)
	assert.True(t, out.Empty)
}

func TestAttachmentDecodeFailureIsNonFatal(t *testing.T) {
	c := New(&fakePDF{err: errors.New("broken xref")}, &fakeOCR{}, discard())
	msg := &mailbox.Message{
		BodyText: "order 5 x L1520-457",
		Attachments: []mailbox.Attachment{
			{Filename: "corrupt.pdf", Mime: "application/pdf", Bytes: []byte("junk")},
		},
	}
	out, err := c.Clean(context.Background(), msg)
	require.NoError(t, err)
	assert.Contains(t, out.Text, "L1520-457")
	require.Len(t, out.Attachments, 1)
	assert.Zero(t, out.Attachments[0].Chars)
}
