package adapter

import (
	"context"
	"fmt"

	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/media"
	"github.com/sebas/confbridge/internal/mserver"
)

// ComposedAdapter routes each media profile to its own backend plane.
// Deployments with dedicated audio bridges or content servers register
// one child adapter per profile; sessions fan their negotiation out
// across the children.
type ComposedAdapter struct {
	children map[mserver.Profile]*ElementAdapter
}

// NewComposed builds a composed adapter over per-profile children. At
// least one child is required.
func NewComposed(children map[mserver.Profile]*ElementAdapter) (*ComposedAdapter, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("composed adapter requires at least one child")
	}
	return &ComposedAdapter{children: children}, nil
}

// Composed returns the per-profile negotiators.
func (c *ComposedAdapter) Composed() map[mserver.Profile]media.Negotiator {
	out := make(map[mserver.Profile]media.Negotiator, len(c.children))
	for profile, child := range c.children {
		out[profile] = child
	}
	return out
}

// childFor resolves the child serving a profile, falling back to the
// MAIN plane and then to any registered child.
func (c *ComposedAdapter) childFor(profile mserver.Profile) *ElementAdapter {
	if child, ok := c.children[profile]; ok {
		return child
	}
	if child, ok := c.children[mserver.ProfileMain]; ok {
		return child
	}
	for _, child := range c.children {
		return child
	}
	return nil
}

// Negotiate delegates to the child serving the requested profile.
func (c *ComposedAdapter) Negotiate(ctx context.Context, params media.NegotiateParams) ([]*media.Unit, error) {
	child := c.childFor(params.Profile)
	if child == nil {
		return nil, cberrors.WithMessage(cberrors.ErrMediaInvalidOperation,
			"no backend plane for profile %s", params.Profile)
	}
	return child.Negotiate(ctx, params)
}

// ProcessAnswer feeds a remote answer to the unit's element.
func (c *ComposedAdapter) ProcessAnswer(ctx context.Context, unit *media.Unit, answer string) error {
	return c.childFor(unit.Profile).ProcessAnswer(ctx, unit, answer)
}

// GatherCandidates starts ICE gathering for the unit.
func (c *ComposedAdapter) GatherCandidates(ctx context.Context, unit *media.Unit) error {
	return c.childFor(unit.Profile).GatherCandidates(ctx, unit)
}

// AddIceCandidate relays a remote ICE candidate to the unit.
func (c *ComposedAdapter) AddIceCandidate(ctx context.Context, unit *media.Unit, candidate mserver.IceCandidate) error {
	return c.childFor(unit.Profile).AddIceCandidate(ctx, unit, candidate)
}

// Connect links src to sink on the plane both units share.
func (c *ComposedAdapter) Connect(ctx context.Context, src, sink *media.Unit, kind mserver.ConnectKind) error {
	return c.childFor(src.Profile).Connect(ctx, src, sink, kind)
}

// Disconnect unlinks src from sink.
func (c *ComposedAdapter) Disconnect(ctx context.Context, src, sink *media.Unit, kind mserver.ConnectKind) error {
	return c.childFor(src.Profile).Disconnect(ctx, src, sink, kind)
}

// StartRecording begins recording on a recorder unit.
func (c *ComposedAdapter) StartRecording(ctx context.Context, unit *media.Unit, path string) error {
	return c.childFor(unit.Profile).StartRecording(ctx, unit, path)
}

// StopRecording stops recording on a recorder unit.
func (c *ComposedAdapter) StopRecording(ctx context.Context, unit *media.Unit) error {
	return c.childFor(unit.Profile).StopRecording(ctx, unit)
}

// SetVideoFloor selects the unit as the mixer's active video input.
func (c *ComposedAdapter) SetVideoFloor(ctx context.Context, mixer, unit *media.Unit) error {
	return c.childFor(mixer.Profile).SetVideoFloor(ctx, mixer, unit)
}

// SetLayout selects the mixer composite layout.
func (c *ComposedAdapter) SetLayout(ctx context.Context, mixer *media.Unit, layout string) error {
	return c.childFor(mixer.Profile).SetLayout(ctx, mixer, layout)
}

// SetVolume adjusts output gain on the unit.
func (c *ComposedAdapter) SetVolume(ctx context.Context, unit *media.Unit, volume int) error {
	return c.childFor(unit.Profile).SetVolume(ctx, unit, volume)
}

// Mute silences the unit.
func (c *ComposedAdapter) Mute(ctx context.Context, unit *media.Unit) error {
	return c.childFor(unit.Profile).Mute(ctx, unit)
}

// Unmute restores the unit.
func (c *ComposedAdapter) Unmute(ctx context.Context, unit *media.Unit) error {
	return c.childFor(unit.Profile).Unmute(ctx, unit)
}

// RequestKeyframe forces a keyframe from the unit.
func (c *ComposedAdapter) RequestKeyframe(ctx context.Context, unit *media.Unit) error {
	return c.childFor(unit.Profile).RequestKeyframe(ctx, unit)
}

// Release destroys the unit's element on its plane.
func (c *ComposedAdapter) Release(ctx context.Context, unit *media.Unit) error {
	return c.childFor(unit.Profile).Release(ctx, unit)
}

// OnElementEvent registers a handler on every plane; only the owning
// plane ever fires it.
func (c *ComposedAdapter) OnElementEvent(elementID string, handler mserver.EventHandler) func() {
	cancels := make([]func(), 0, len(c.children))
	for _, child := range c.children {
		cancels = append(cancels, child.OnElementEvent(elementID, handler))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Close closes every child plane.
func (c *ComposedAdapter) Close() error {
	var first error
	for _, child := range c.children {
		if err := child.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
