package send

import (
	"fmt"
	"strings"
	"time"

	"statusflow/internal/summary"
)

// Content carries everything rendering needs besides the report itself.
type Content struct {
	OrganizationName string
	OrganizationSlug string
	Report           summary.Report
	From, To         time.Time
	AppURL           string
}

func (c Content) link() string {
	return strings.TrimSuffix(c.AppURL, "/") + "/" + c.OrganizationSlug
}

func (c Content) period() string {
	return fmt.Sprintf("Period: %s - %s", c.From.Format("Jan 2"), c.To.Format("Jan 2, 2006"))
}

// ChatMessage renders one channel message: header, overview, individual
// highlights, the dated range footer and a deep link.
func ChatMessage(c Content) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Status updates — %s*\n", c.OrganizationName)
	if c.Report.GeneralSummary != nil && *c.Report.GeneralSummary != "" {
		b.WriteString("\n*Overview*\n")
		b.WriteString(*c.Report.GeneralSummary)
		b.WriteString("\n")
	}
	if len(c.Report.Items) > 0 {
		b.WriteString("\n*Individual updates*\n")
		for _, item := range c.Report.Items {
			b.WriteString("• " + item.Content + "\n")
		}
	}
	fmt.Fprintf(&b, "\n%s\n<%s|View details>", c.period(), c.link())
	return b.String()
}

func EmailSubject(c Content) string {
	return c.OrganizationName + " Status updates"
}

// EmailBody renders the plain-text email variant.
func EmailBody(recipientName string, c Content) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", recipientName)
	fmt.Fprintf(&b, "Here is the status summary for %s.\n", c.OrganizationName)
	if c.Report.GeneralSummary != nil && *c.Report.GeneralSummary != "" {
		b.WriteString("\nOverview\n")
		b.WriteString(*c.Report.GeneralSummary)
		b.WriteString("\n")
	}
	if len(c.Report.Items) > 0 {
		b.WriteString("\nIndividual updates\n")
		for _, item := range c.Report.Items {
			b.WriteString("- " + item.Content + "\n")
		}
	}
	fmt.Fprintf(&b, "\n%s\nView details: %s\n", c.period(), c.link())
	return b.String()
}

// RecipientName derives a salutation from a display name, trimming the domain
// when the display name is itself an address.
func RecipientName(displayName string) string {
	if i := strings.IndexByte(displayName, '@'); i > 0 {
		return displayName[:i]
	}
	if displayName == "" {
		return "there"
	}
	return displayName
}
