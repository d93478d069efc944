package llm

import (
	"context"
	"fmt"
)

const composeSystem = `You write short, warm outreach messages inviting forum
authors to preserve the story they posted on a public archive.
Rules:
- Write in the same language as the author's post.
- Address the author by first name when one is given.
- Mention what their post is about in one clause, naturally.
- Include the share link exactly as provided, once.
- Two to four sentences. No subject line, no signature, no emoji spam.`

// Composer drafts personalized outreach messages.
type Composer struct {
	Completer Completer
}

// Compose drafts one message for the author of |postText|.
func (c *Composer) Compose(ctx context.Context, firstName, postText, shareLink string) (string, error) {
	var user = fmt.Sprintf(
		"Author first name: %s\nShare link: %s\n\nThe author's post:\n%s",
		orUnknown(firstName), shareLink, postText)
	return c.Completer.Complete(ctx, composeSystem, user)
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}
