package features

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// AI actions.
const (
	AnalysisRequest = "analyze"
	AnalysisResult  = "result"
	AnalysisStatus  = "status"
	AnalysisUnknown = "unknown_request"
)

const summaryRunes = 120

// Analysis answers analysis requests with a deterministic text profile
// and remembers results by request id so a reconnecting client can ask
// again. Results go to the requester only.
type Analysis struct {
	results map[string]map[string]any
	order   []string
	limit   int
}

func NewAnalysis() *Analysis {
	return &Analysis{results: make(map[string]map[string]any), limit: 1024}
}

func (*Analysis) Feature() types.FeatureType { return types.FeatureAI }

func (a *Analysis) Process(ctx context.Context, msg *types.Message, hctx interfaces.HandlerContext) (*interfaces.HandlerResult, error) {
	p, ok := msg.Payload.(*types.AIPayload)
	if !ok {
		return nil, ErrUnexpectedPayload
	}
	self := types.Target{Kind: types.TargetConnection, ConnectionID: hctx.ConnectionID}

	switch p.Op {
	case AnalysisRequest:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := profile(p.Subject, p.Prompt)
		if p.RequestID != "" {
			a.remember(scoped(msg, p.RequestID), res)
		}
		return result(reply(msg, self, types.PriorityNormal, &types.AIPayload{
			Op: AnalysisResult, RequestID: p.RequestID, Subject: p.Subject, Result: res,
		})), nil

	case AnalysisStatus:
		res, ok := a.results[scoped(msg, p.RequestID)]
		op := AnalysisResult
		if !ok {
			op = AnalysisUnknown
		}
		return result(reply(msg, self, types.PriorityLow, &types.AIPayload{
			Op: op, RequestID: p.RequestID, Result: res,
		})), nil
	}
	return nil, nil
}

// remember keeps the most recent results up to limit.
func (a *Analysis) remember(id string, res map[string]any) {
	if _, ok := a.results[id]; !ok {
		a.order = append(a.order, id)
	}
	a.results[id] = res
	for len(a.order) > a.limit {
		delete(a.results, a.order[0])
		a.order = a.order[1:]
	}
}

func profile(subject, prompt string) map[string]any {
	words := strings.Fields(prompt)
	summary := []rune(strings.Join(words, " "))
	if len(summary) > summaryRunes {
		summary = summary[:summaryRunes]
	}
	sum := blake3.Sum256([]byte(subject + "\x00" + prompt))
	return map[string]any{
		"words":   len(words),
		"summary": string(summary),
		"digest":  hex.EncodeToString(sum[:]),
	}
}
