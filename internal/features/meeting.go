package features

import (
	"context"
	"sort"

	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Meeting actions.
const (
	MeetingAgenda      = "agenda"
	MeetingOpenMotion  = "open_motion"
	MeetingVote        = "vote"
	MeetingCloseMotion = "close_motion"
	MeetingTally       = "tally"
	MeetingResult      = "motion_result"
	MeetingAgendaSet   = "agenda_changed"
)

const defaultMotion = "default"

type motion struct {
	votes  map[string]string // user id -> vote
	closed bool
}

func (m *motion) tally() map[string]any {
	counts := map[string]int{}
	for _, v := range m.votes {
		counts[v]++
	}
	out := make(map[string]any, len(counts)+1)
	for k, n := range counts {
		out[k] = n
	}
	out["voters"] = len(m.votes)
	return out
}

type meeting struct {
	agendaItem string
	motions    map[string]*motion
}

// Meetings tracks agenda position and motion votes per organization and
// meeting.
type Meetings struct {
	meetings map[string]*meeting
}

func NewMeetings() *Meetings {
	return &Meetings{meetings: make(map[string]*meeting)}
}

func (*Meetings) Feature() types.FeatureType { return types.FeatureMeeting }

func (m *Meetings) meeting(id string) *meeting {
	mt, ok := m.meetings[id]
	if !ok {
		mt = &meeting{motions: make(map[string]*motion)}
		m.meetings[id] = mt
	}
	return mt
}

func (m *Meetings) Process(_ context.Context, msg *types.Message, hctx interfaces.HandlerContext) (*interfaces.HandlerResult, error) {
	p, ok := msg.Payload.(*types.MeetingPayload)
	if !ok {
		return nil, ErrUnexpectedPayload
	}
	mt := m.meeting(scoped(msg, p.MeetingID))
	motionID := p.MotionID
	if motionID == "" {
		motionID = defaultMotion
	}
	to := audience(msg, hctx)

	switch p.Op {
	case MeetingAgenda:
		mt.agendaItem = p.AgendaItemID
		return result(reply(msg, to, types.PriorityHigh, &types.MeetingPayload{
			Op: MeetingAgendaSet, MeetingID: p.MeetingID, AgendaItemID: p.AgendaItemID,
		})), nil

	case MeetingOpenMotion:
		mt.motions[motionID] = &motion{votes: make(map[string]string)}
		return result(reply(msg, to, types.PriorityHigh, &types.MeetingPayload{
			Op: MeetingOpenMotion, MeetingID: p.MeetingID, MotionID: motionID, AgendaItemID: mt.agendaItem,
		})), nil

	case MeetingVote:
		mo, ok := mt.motions[motionID]
		if !ok {
			mo = &motion{votes: make(map[string]string)}
			mt.motions[motionID] = mo
		}
		if mo.closed {
			return nil, nil
		}
		// A repeated vote replaces the voter's earlier one.
		mo.votes[sender(hctx, msg)] = p.Vote
		return result(reply(msg, to, types.PriorityNormal, &types.MeetingPayload{
			Op: MeetingTally, MeetingID: p.MeetingID, MotionID: motionID, Data: mo.tally(),
		})), nil

	case MeetingCloseMotion:
		mo, ok := mt.motions[motionID]
		if !ok || mo.closed {
			return nil, nil
		}
		mo.closed = true
		data := mo.tally()
		data["outcome"] = motionOutcome(mo)
		return result(reply(msg, to, types.PriorityHigh, &types.MeetingPayload{
			Op: MeetingResult, MeetingID: p.MeetingID, MotionID: motionID, Data: data,
		})), nil
	}
	return nil, nil
}

// motionOutcome is the vote with a strict plurality, or "tied".
func motionOutcome(mo *motion) string {
	counts := map[string]int{}
	for _, v := range mo.votes {
		counts[v]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestN, tied := "", -1, false
	for _, k := range keys {
		switch {
		case counts[k] > bestN:
			best, bestN, tied = k, counts[k], false
		case counts[k] == bestN:
			tied = true
		}
	}
	if best == "" || tied {
		return "tied"
	}
	return best
}
