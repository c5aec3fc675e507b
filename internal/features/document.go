package features

import (
	"context"

	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Document actions.
const (
	DocumentEdit       = "edit"
	DocumentAnnotate   = "annotate"
	DocumentRevised    = "revised"
	DocumentAnnotated  = "annotated"
	DocumentStale      = "stale_revision"
	DocumentGetVersion = "get_revision"
)

type document struct {
	revision    int64
	lastEditor  string
	annotations map[string]string // annotation id -> author
}

// Documents keeps the revision counter and annotation authorship of each
// document. Edits based on an older revision are answered with a stale
// notice to the editor only.
type Documents struct {
	docs map[string]*document
}

func NewDocuments() *Documents {
	return &Documents{docs: make(map[string]*document)}
}

func (*Documents) Feature() types.FeatureType { return types.FeatureDocument }

func (d *Documents) doc(id string) *document {
	doc, ok := d.docs[id]
	if !ok {
		doc = &document{annotations: make(map[string]string)}
		d.docs[id] = doc
	}
	return doc
}

func (d *Documents) Process(_ context.Context, msg *types.Message, hctx interfaces.HandlerContext) (*interfaces.HandlerResult, error) {
	p, ok := msg.Payload.(*types.DocumentPayload)
	if !ok {
		return nil, ErrUnexpectedPayload
	}
	doc := d.doc(scoped(msg, p.DocumentID))
	self := types.Target{Kind: types.TargetConnection, ConnectionID: hctx.ConnectionID}

	switch p.Op {
	case DocumentEdit:
		// Revision 0 means the editor does not track revisions.
		if p.Revision != 0 && p.Revision < doc.revision {
			return result(reply(msg, self, types.PriorityNormal, &types.DocumentPayload{
				Op: DocumentStale, DocumentID: p.DocumentID, Revision: doc.revision,
				Data: map[string]any{"lastEditor": doc.lastEditor},
			})), nil
		}
		doc.revision++
		doc.lastEditor = sender(hctx, msg)
		return result(reply(msg, audience(msg, hctx), types.PriorityNormal, &types.DocumentPayload{
			Op: DocumentRevised, DocumentID: p.DocumentID, Revision: doc.revision,
			Data: map[string]any{"editor": doc.lastEditor},
		})), nil

	case DocumentAnnotate:
		if p.AnnotationID == "" {
			return nil, nil
		}
		doc.annotations[p.AnnotationID] = sender(hctx, msg)
		return result(reply(msg, audience(msg, hctx), types.PriorityLow, &types.DocumentPayload{
			Op: DocumentAnnotated, DocumentID: p.DocumentID, AnnotationID: p.AnnotationID,
			Revision: doc.revision, Body: p.Body,
		})), nil

	case DocumentGetVersion:
		return result(reply(msg, self, types.PriorityNormal, &types.DocumentPayload{
			Op: DocumentRevised, DocumentID: p.DocumentID, Revision: doc.revision,
			Data: map[string]any{"annotations": len(doc.annotations)},
		})), nil
	}
	return nil, nil
}
