package sources

import (
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisai/jervis/pkg/types"
)

const rawMultipart = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>, Carol <carol@example.com>\r\n" +
	"Subject: Weekly status\r\n" +
	"Message-Id: <abc123@example.com>\r\n" +
	"Date: Tue, 10 Feb 2026 14:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"BOUND\"\r\n" +
	"\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"All systems nominal.\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>All systems nominal.</p>\r\n" +
	"--BOUND\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"\r\n" +
	"%PDF-fake\r\n" +
	"--BOUND--\r\n"

func TestParseMailParts(t *testing.T) {
	mr, err := mail.CreateReader(strings.NewReader(rawMultipart))
	require.NoError(t, err)

	var msg types.EmailMessage
	parseMailParts(mr, &msg)

	assert.Contains(t, msg.TextBody, "All systems nominal.")
	assert.Contains(t, msg.HTMLBody, "<p>All systems nominal.</p>")

	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "report.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].MimeType)
}

func TestAddressList(t *testing.T) {
	mr, err := mail.CreateReader(strings.NewReader(rawMultipart))
	require.NoError(t, err)

	to := addressList(&mr.Header, "To")
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, to)

	assert.Nil(t, addressList(&mr.Header, "Cc"))
}

func TestContentErrorPlaceholder(t *testing.T) {
	placeholder := contentError(assert.AnError)
	assert.True(t, strings.HasPrefix(placeholder, "[ERROR: "))
	assert.True(t, strings.HasSuffix(placeholder, "]"))
}
