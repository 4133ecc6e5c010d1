package pingpong

import (
	"context"
	"fmt"

	"smeargle/internal/observability/metrics"
	"smeargle/pkg/smeargle"
)

// replies maps each exact builtin command to its answer.
var replies = map[string]string{
	smeargle.CommandPing: "Pong!",
	smeargle.CommandDing: "Dong!",
}

// Module answers "!ping" with "Pong!" and "!ding" with "Dong!".
type Module struct {
	dispatcher smeargle.SinkDispatcher
	metrics    *metrics.CommandMetrics
}

// Option mutates one pingpong module construction input.
type Option func(*Module)

// WithMetrics configures command counters.
func WithMetrics(commandMetrics *metrics.CommandMetrics) Option {
	return func(m *Module) {
		m.metrics = commandMetrics
	}
}

// New creates a ping-pong module.
func New(options ...Option) *Module {
	module := &Module{}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "pingpong"
}

// Spec declares interest in chat messages from other users.
func (m *Module) Spec() smeargle.ModuleSpec {
	return smeargle.ModuleSpec{
		Handlers: []smeargle.ModuleHandler{
			{
				Capability: smeargle.Capability{
					Name:        "ping-command-handler",
					Description: "answers !ping and !ding",
					Interest: smeargle.InterestSet{
						Kinds:          []smeargle.EventKind{smeargle.EventKindMessageCreated},
						RequireMessage: true,
						SkipSelf:       true,
					},
					RequiredServices: []string{smeargle.ServiceSinkDispatcher},
				},
				Subscription: smeargle.NewDefaultSubscriptionSpec("pingpong-commands"),
				Handler:      m.handleMessage,
			},
		},
	}
}

// OnRegister resolves outbound dependencies required by this module.
func (m *Module) OnRegister(_ context.Context, runtime smeargle.ModuleRuntime) error {
	dispatcher, err := smeargle.ResolveAs[smeargle.SinkDispatcher](
		runtime.Services(),
		smeargle.ServiceSinkDispatcher,
	)
	if err != nil {
		return fmt.Errorf("pingpong resolve sink dispatcher: %w", err)
	}

	m.dispatcher = dispatcher

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(_ context.Context) error {
	return nil
}

// OnShutdown stops the module lifecycle.
func (m *Module) OnShutdown(_ context.Context) error {
	return nil
}

func (m *Module) handleMessage(ctx context.Context, event *smeargle.Event) error {
	if event == nil || event.Message == nil || event.Actor.IsSelf {
		return nil
	}

	command, ok := smeargle.ParseCommand(event.Message.Text)
	if !ok || !command.IsBuiltin() {
		return nil
	}
	reply := replies[command.Name]

	target, err := smeargle.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("pingpong derive outbound target: %w", err)
	}
	if _, err := m.dispatcher.SendMessage(ctx, smeargle.SendMessageRequest{
		Target: target,
		Text:   reply,
	}); err != nil {
		m.metrics.Observe(command.Name, metrics.OutcomeError)
		return fmt.Errorf("pingpong send %s reply: %w", command.Name, err)
	}
	m.metrics.Observe(command.Name, metrics.OutcomeText)

	return nil
}
