// Package telemetry sends anonymous usage events to PostHog. Nothing is
// sent unless settings opt in with "telemetry": true, and
// JJAGENT_TELEMETRY_OPTOUT overrides the setting.
package telemetry

import (
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// OptOutEnvVar disables telemetry when set to any value.
const OptOutEnvVar = "JJAGENT_TELEMETRY_OPTOUT"

// Event names.
const (
	EventCommand = "cli_command_executed"
	EventHook    = "hook_executed"
)

// Overridden with -ldflags for release builds.
var (
	PostHogAPIKey   = "phc_development_key"
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// networkBudget bounds every network step. Hooks run on each agent edit.
const networkBudget = 100 * time.Millisecond

// Client records usage events.
type Client interface {
	// TrackCommand records a user-facing command. Hidden commands are skipped.
	TrackCommand(cmd *cobra.Command, enabled bool)
	// TrackHook records the outcome of a hook invocation.
	TrackHook(hook, outcome string, elapsed time.Duration)
	// Close flushes queued events.
	Close()
}

// Enabled reports whether telemetry may be sent given the settings value.
func Enabled(setting *bool) bool {
	if os.Getenv(OptOutEnvVar) != "" {
		return false
	}
	return setting != nil && *setting
}

type noopClient struct{}

func (noopClient) TrackCommand(*cobra.Command, bool)       {}
func (noopClient) TrackHook(string, string, time.Duration) {}
func (noopClient) Close()                                  {}

// quietLogger drops PostHog's own log lines.
type quietLogger struct{}

func (quietLogger) Logf(string, ...interface{})   {}
func (quietLogger) Debugf(string, ...interface{}) {}
func (quietLogger) Warnf(string, ...interface{})  {}
func (quietLogger) Errorf(string, ...interface{}) {}

type posthogClient struct {
	client     posthog.Client
	distinctID string
	closeOnce  sync.Once
}

// NewClient returns a PostHog-backed client when telemetry is enabled and a
// no-op client otherwise, including when the machine ID is unavailable.
//
//nolint:ireturn // callers only need the interface
func NewClient(version string, setting *bool) Client {
	if !Enabled(setting) {
		return noopClient{}
	}

	id, err := machineid.ProtectedID("jjagent")
	if err != nil {
		return noopClient{}
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    networkBudget,
		BatchUploadTimeout: 2 * networkBudget,
		Transport:          fastTransport(),
		Logger:             quietLogger{},
		DisableGeoIP:       posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("cli_version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
	if err != nil {
		return noopClient{}
	}
	return &posthogClient{client: client, distinctID: id}
}

func fastTransport() *http.Transport {
	return &http.Transport{
		DialContext:           (&net.Dialer{Timeout: networkBudget}).DialContext,
		TLSHandshakeTimeout:   networkBudget,
		ResponseHeaderTimeout: networkBudget,
	}
}

// CommandProperties describes cmd for EventCommand. Flag names are
// recorded; flag values never are.
func CommandProperties(cmd *cobra.Command, enabled bool) posthog.Properties {
	var names []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		names = append(names, f.Name)
	})

	props := posthog.NewProperties().
		Set("command", cmd.CommandPath()).
		Set("enabled", enabled)
	if len(names) > 0 {
		props.Set("flags", strings.Join(names, ","))
	}
	return props
}

// HookProperties describes one hook run for EventHook.
func HookProperties(hook, outcome string, elapsed time.Duration) posthog.Properties {
	return posthog.NewProperties().
		Set("hook", hook).
		Set("outcome", outcome).
		Set("duration_ms", elapsed.Milliseconds())
}

func (p *posthogClient) TrackCommand(cmd *cobra.Command, enabled bool) {
	if cmd == nil || cmd.Hidden {
		return
	}
	p.capture(EventCommand, CommandProperties(cmd, enabled))
}

func (p *posthogClient) TrackHook(hook, outcome string, elapsed time.Duration) {
	if hook == "" {
		return
	}
	p.capture(EventHook, HookProperties(hook, outcome, elapsed))
}

func (p *posthogClient) capture(event string, props posthog.Properties) {
	if p.client == nil {
		return
	}
	//nolint:errcheck // telemetry never fails a command
	_ = p.client.Enqueue(posthog.Capture{
		DistinctId: p.distinctID,
		Event:      event,
		Properties: props,
	})
}

func (p *posthogClient) Close() {
	p.closeOnce.Do(func() {
		if p.client != nil {
			_ = p.client.Close()
		}
	})
}
