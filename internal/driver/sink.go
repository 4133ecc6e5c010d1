package driver

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"smeargle/pkg/smeargle"
)

// CompositeSinkDispatcher fans outbound requests out to the per-driver sinks.
//
// A target naming a sink id goes to that sink. A target naming only a platform
// goes to the single sink of that platform. A target without a sink is accepted
// only when exactly one sink exists.
type CompositeSinkDispatcher struct {
	sinks map[string]compositeSink
	order []smeargle.SinkRef
}

type compositeSink struct {
	ref        smeargle.SinkRef
	dispatcher smeargle.SinkDispatcher
}

// NewCompositeSinkDispatcher collects the sinks of runtimes that have one.
func NewCompositeSinkDispatcher(runtimes []Runtime) (*CompositeSinkDispatcher, error) {
	composite := &CompositeSinkDispatcher{sinks: make(map[string]compositeSink, len(runtimes))}
	for _, runtime := range runtimes {
		if runtime.SinkDispatcher == nil {
			continue
		}
		ref := smeargle.SinkRef{Platform: runtime.Source.Platform, ID: runtime.Source.ID}
		if ref.ID == "" {
			return nil, fmt.Errorf("new composite sink dispatcher: runtime without source id")
		}
		if _, exists := composite.sinks[ref.ID]; exists {
			return nil, fmt.Errorf("new composite sink dispatcher: duplicate sink id %s", ref.ID)
		}
		composite.sinks[ref.ID] = compositeSink{ref: ref, dispatcher: runtime.SinkDispatcher}
		composite.order = append(composite.order, ref)
	}
	slices.SortFunc(composite.order, func(a, b smeargle.SinkRef) int {
		return strings.Compare(a.ID, b.ID)
	})

	return composite, nil
}

// SendMessage forwards a text message to the resolved sink.
func (d *CompositeSinkDispatcher) SendMessage(
	ctx context.Context,
	request smeargle.SendMessageRequest,
) (*smeargle.OutboundMessage, error) {
	sink, err := d.pick(request.Target)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	return forward(ctx, sink, "send message", request, smeargle.SinkDispatcher.SendMessage)
}

// SendFile forwards a file upload to the resolved sink.
func (d *CompositeSinkDispatcher) SendFile(
	ctx context.Context,
	request smeargle.SendFileRequest,
) (*smeargle.OutboundMessage, error) {
	sink, err := d.pick(request.Target)
	if err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}

	return forward(ctx, sink, "send file", request, smeargle.SinkDispatcher.SendFile)
}

// Sinks lists the known sinks ordered by id.
func (d *CompositeSinkDispatcher) Sinks() []smeargle.SinkRef {
	return slices.Clone(d.order)
}

func forward[R any](
	ctx context.Context,
	sink compositeSink,
	operation string,
	request R,
	send func(smeargle.SinkDispatcher, context.Context, R) (*smeargle.OutboundMessage, error),
) (*smeargle.OutboundMessage, error) {
	message, err := send(sink.dispatcher, ctx, request)
	if err != nil {
		return nil, fmt.Errorf("%s via %s: %w", operation, sink.ref.ID, err)
	}

	return message, nil
}

func (d *CompositeSinkDispatcher) pick(target smeargle.OutboundTarget) (compositeSink, error) {
	if d == nil || len(d.order) == 0 {
		return compositeSink{}, fmt.Errorf("%w: no sinks configured", smeargle.ErrOutboundUnsupported)
	}

	switch {
	case target.Sink != nil && target.Sink.ID != "":
		sink, exists := d.sinks[target.Sink.ID]
		if !exists {
			return compositeSink{}, fmt.Errorf("%w: unknown sink %s", smeargle.ErrOutboundUnsupported, target.Sink.ID)
		}
		if target.Sink.Platform != "" && target.Sink.Platform != sink.ref.Platform {
			return compositeSink{}, fmt.Errorf("%w: sink %s serves %s, not %s",
				smeargle.ErrOutboundUnsupported, sink.ref.ID, sink.ref.Platform, target.Sink.Platform)
		}
		return sink, nil
	case target.Sink != nil:
		return d.only(func(ref smeargle.SinkRef) bool { return ref.Platform == target.Sink.Platform },
			"platform "+string(target.Sink.Platform))
	default:
		return d.only(func(smeargle.SinkRef) bool { return true }, "untargeted request")
	}
}

// only returns the single sink matching keep.
func (d *CompositeSinkDispatcher) only(keep func(smeargle.SinkRef) bool, scope string) (compositeSink, error) {
	var (
		found compositeSink
		count int
	)
	for _, ref := range d.order {
		if keep(ref) {
			found = d.sinks[ref.ID]
			count++
		}
	}

	switch count {
	case 0:
		return compositeSink{}, fmt.Errorf("%w: no sink for %s", smeargle.ErrOutboundUnsupported, scope)
	case 1:
		return found, nil
	default:
		return compositeSink{}, fmt.Errorf("%w: %d sinks match %s", smeargle.ErrOutboundUnsupported, count, scope)
	}
}
