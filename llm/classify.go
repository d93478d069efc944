package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedVerdict means the classifier reply could not be parsed.
// Callers skip the candidate rather than fail the batch.
var ErrMalformedVerdict = errors.New("malformed classifier verdict")

// Verdict is the classifier's reply.
type Verdict struct {
	IsRelevant bool `json:"is_relevant"`
	Confidence int  `json:"confidence"`
}

const classifySystem = `You classify social media posts from community forums.
A post is relevant when its author shares, asks about, or offers personal or
family history: memories, old photographs, documents, genealogy, or the
history of a place or community.
Reply with JSON only, in the exact shape {"is_relevant": bool, "confidence": 0-100}.
No prose, no markdown.`

// Classifier scores posts for historical relevance.
type Classifier struct {
	Completer Completer
}

// Classify scores |text| and returns the parsed verdict.
func (c *Classifier) Classify(ctx context.Context, text string) (Verdict, error) {
	var reply, err = c.Completer.Complete(ctx, classifySystem, text)
	if err != nil {
		return Verdict{}, err
	}
	return parseVerdict(reply)
}

// parseVerdict extracts the JSON object from the reply, tolerating stray
// prose or fencing around it.
func parseVerdict(reply string) (Verdict, error) {
	var start = strings.Index(reply, "{")
	var end = strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("%w: no JSON object in %q", ErrMalformedVerdict, truncate(reply, 120))
	}

	var v Verdict
	if err := json.Unmarshal([]byte(reply[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return Verdict{}, fmt.Errorf("%w: confidence %d out of range", ErrMalformedVerdict, v.Confidence)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
