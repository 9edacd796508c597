package document

import (
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

// Revision is one change in the history of a note together with the text as of that change.
type Revision struct {
	Hash    string
	Actor   string
	Seq     uint64
	Deps    []string
	Message string
	Time    time.Time
	Text    string
}

// History lists every change contained in a saved document, in causal order.
func History(state []byte) ([]Revision, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Revision, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		text, err := (&automergeReplica{doc: docAt}).Text()
		if err != nil {
			return nil, fmt.Errorf("failed to read text at %s: %w", change.Hash(), err)
		}
		deps := make([]string, 0, len(change.Dependencies()))
		for _, h := range change.Dependencies() {
			deps = append(deps, h.String())
		}
		out = append(out, Revision{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Deps:    deps,
			Message: change.Message(),
			Time:    change.Timestamp(),
			Text:    text,
		})
	}
	return out, nil
}
