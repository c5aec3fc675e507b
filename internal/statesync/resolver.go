package statesync

import (
	"boardsync/pkg/types"
)

// ResolverActor is the clock component incremented by every resolution.
const ResolverActor = "resolver"

// Resolver decides the fields of an entity after a conflict. Local holds
// the full stored fields; Remote holds only the proposed changes, with nil
// values marking removals. The synchronizer computes the resolved clock.
type Resolver interface {
	Name() string
	Resolve(c *types.Conflict) (map[string]any, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc struct {
	ID string
	Fn func(c *types.Conflict) (map[string]any, error)
}

func (f ResolverFunc) Name() string { return f.ID }

func (f ResolverFunc) Resolve(c *types.Conflict) (map[string]any, error) { return f.Fn(c) }

// LastWriteWins keeps the version with the later wall-clock timestamp. Equal
// timestamps fall back to the greater actor id so every replica picks the
// same winner.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return "last-write-wins" }

func (LastWriteWins) Resolve(c *types.Conflict) (map[string]any, error) {
	if remoteWins(c.Local, c.Remote) {
		return applyFields(c.Local.Fields, c.Remote.Fields), nil
	}
	return copyFields(c.Local.Fields), nil
}

func remoteWins(local, remote types.EntityVersion) bool {
	if !remote.Timestamp.Equal(local.Timestamp) {
		return remote.Timestamp.After(local.Timestamp)
	}
	return remote.ActorID > local.ActorID
}

// FieldMerge always accepts remote fields the stored version lacks and
// settles fields present on both sides with last-write-wins. It suits
// entities such as vote tallies where concurrent edits add disjoint keys.
type FieldMerge struct{}

func (FieldMerge) Name() string { return "field-merge" }

func (FieldMerge) Resolve(c *types.Conflict) (map[string]any, error) {
	out := copyFields(c.Local.Fields)
	remote := remoteWins(c.Local, c.Remote)
	for k, v := range c.Remote.Fields {
		if _, collides := c.Local.Fields[k]; collides && !remote {
			continue
		}
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out, nil
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// applyFields overlays changes on base; nil values delete.
func applyFields(base, changes map[string]any) map[string]any {
	out := copyFields(base)
	for k, v := range changes {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
