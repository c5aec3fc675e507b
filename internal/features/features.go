package features

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Config configures the feature modules.
type Config struct {
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`
	// Disabled features get no handler; client messages for them are
	// dropped as having no recipients.
	Disabled []types.FeatureType `mapstructure:"disabled" json:"disabled"`
	// EscalateSeverities are compliance severities broadcast as critical
	// alerts to the whole organization.
	EscalateSeverities []string `mapstructure:"escalate_severities" json:"escalate_severities"`
}

func DefaultConfig() Config {
	return Config{
		QueueSize:          256,
		EscalateSeverities: []string{"high", "critical"},
	}
}

// Registrar is the coordinator surface feature modules register with.
type Registrar interface {
	RegisterHandler(handler interfaces.FeatureHandler) error
}

// Set is the running collection of feature hubs.
type Set struct {
	hubs []*Hub
}

// Register builds every enabled feature module and registers its hub.
func Register(r Registrar, cfg Config, log zerolog.Logger) (*Set, error) {
	disabled := make(map[types.FeatureType]bool, len(cfg.Disabled))
	for _, f := range cfg.Disabled {
		disabled[f] = true
	}
	procs := []Processor{
		NewMeetings(),
		NewDocuments(),
		NewAnalysis(),
		NewCompliance(cfg.EscalateSeverities),
	}
	set := &Set{}
	for _, p := range procs {
		if disabled[p.Feature()] {
			log.Info().Str("feature", string(p.Feature())).Msg("feature disabled")
			continue
		}
		h := NewHub(p, cfg.QueueSize, log)
		if err := r.RegisterHandler(h); err != nil {
			return nil, fmt.Errorf("register %s handler: %w", p.Feature(), err)
		}
		set.hubs = append(set.hubs, h)
	}
	return set, nil
}

func (s *Set) Start(ctx context.Context) error {
	for _, h := range s.hubs {
		if err := h.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) Stop() error {
	var errs []error
	for _, h := range s.hubs {
		if err := h.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Features lists the registered features.
func (s *Set) Features() []types.FeatureType {
	out := make([]types.FeatureType, 0, len(s.hubs))
	for _, h := range s.hubs {
		out = append(out, h.Feature())
	}
	return out
}

// audience answers on the channel the triggering message used: rooms and
// organizations hear results, anything narrower gets a reply to the sender.
func audience(msg *types.Message, hctx interfaces.HandlerContext) types.Target {
	switch msg.Target.Kind {
	case types.TargetRoom, types.TargetOrganization:
		return msg.Target
	default:
		return types.Target{Kind: types.TargetConnection, ConnectionID: hctx.ConnectionID}
	}
}

func reply(msg *types.Message, target types.Target, p types.Priority, payload types.Payload) *types.Message {
	return &types.Message{
		ID:             uuid.NewString(),
		Feature:        payload.Feature(),
		Priority:       p,
		Payload:        payload,
		Target:         target,
		OrganizationID: msg.OrganizationID,
		Public:         msg.Public,
	}
}

func result(msgs ...*types.Message) *interfaces.HandlerResult {
	return &interfaces.HandlerResult{Broadcast: msgs}
}

// scoped keys module state by the sender's organization, so equal ids in
// two organizations never share state.
func scoped(msg *types.Message, id string) string {
	return msg.OrganizationID + "/" + id
}

func sender(hctx interfaces.HandlerContext, msg *types.Message) string {
	if hctx.Sender != nil {
		return hctx.Sender.UserID
	}
	return msg.SenderUserID
}
