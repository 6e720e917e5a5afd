package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/types"
)

func promptMessage(a Approval) types.Message {
	wait := a.ExpiresAt.Sub(a.CreatedAt).Round(time.Second)

	var text, md strings.Builder
	fmt.Fprintf(&text, "Approval required [%s]: %s\n", a.ID, a.Description)
	fmt.Fprintf(&text, "Requested by %s. Reply /approve %s or /deny %s (expires in %s).", a.Requester, a.ID, a.ID, wait)

	fmt.Fprintf(&md, "🔐 **Approval required** `%s`\n\n%s\n\n", a.ID, a.Description)
	fmt.Fprintf(&md, "Requested by `%s`. Reply `/approve %s` or `/deny %s` (expires in %s).", a.Requester, a.ID, a.ID, wait)

	return types.Message{
		Text:     text.String(),
		Markdown: md.String(),
		Approval: &types.ApprovalPrompt{
			ID:          a.ID,
			Description: a.Description,
			Requester:   a.Requester,
			ExpiresAt:   a.ExpiresAt,
		},
	}
}

func resolutionMessage(a Approval) types.Message {
	var s string
	switch {
	case a.TimedOut:
		s = fmt.Sprintf("Approval %s timed out: %s was not executed.", a.ID, a.Description)
	case a.Decision == Approved:
		s = fmt.Sprintf("Approval %s approved by %s: %s", a.ID, a.ResolvedBy, a.Description)
	default:
		s = fmt.Sprintf("Approval %s denied by %s: %s was not executed.", a.ID, a.ResolvedBy, a.Description)
	}
	return types.Text(s)
}
