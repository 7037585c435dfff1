package telemetry

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestEnabled(t *testing.T) {
	tests := []struct {
		name    string
		optOut  string
		setting *bool
		want    bool
	}{
		{"unset setting", "", nil, false},
		{"disabled in settings", "", boolPtr(false), false},
		{"enabled in settings", "", boolPtr(true), true},
		{"opt-out wins", "1", boolPtr(true), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(OptOutEnvVar, tt.optOut)
			assert.Equal(t, tt.want, Enabled(tt.setting))
		})
	}
}

func TestNewClientDisabledIsNoOp(t *testing.T) {
	t.Setenv(OptOutEnvVar, "1")

	client := NewClient("1.0.0", boolPtr(true))
	assert.IsType(t, noopClient{}, client)

	client.TrackCommand(&cobra.Command{Use: "version"}, true)
	client.TrackHook("post-tool-use", "committed", time.Second)
	client.Close()
}

func TestPostHogClientSkipsWithoutTransport(_ *testing.T) {
	client := &posthogClient{distinctID: "test-id"}

	client.TrackCommand(nil, true)
	client.TrackCommand(&cobra.Command{Use: "hidden", Hidden: true}, true)
	client.TrackCommand(&cobra.Command{Use: "status"}, true)
	client.TrackHook("", "skipped", 0)
	client.TrackHook("stop", "no_op", time.Millisecond)
	client.Close()
	client.Close()
}

func TestCommandPropertiesRecordsFlagNamesOnly(t *testing.T) {
	root := &cobra.Command{Use: "jjagent"}
	cmd := &cobra.Command{Use: "describe", Run: func(*cobra.Command, []string) {}}
	var message string
	cmd.Flags().StringVarP(&message, "message", "m", "", "")
	root.AddCommand(cmd)
	require.NoError(t, cmd.Flags().Set("message", "secret text"))

	props := CommandProperties(cmd, true)
	assert.Equal(t, "jjagent describe", props["command"])
	assert.Equal(t, "message", props["flags"])
	assert.Equal(t, true, props["enabled"])
}

func TestHookProperties(t *testing.T) {
	props := HookProperties("pre-tool-use", "prepared", 1500*time.Millisecond)
	assert.Equal(t, "pre-tool-use", props["hook"])
	assert.Equal(t, "prepared", props["outcome"])
	assert.Equal(t, int64(1500), props["duration_ms"])
}
