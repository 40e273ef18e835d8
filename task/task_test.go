package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id       string
		hasError bool
	}{
		{"s1", false},
		{"test-session-0a1b", false},
		{"user_42.notebook", false},
		{"", true},
		{"..", true},
		{"a/../b", true},
		{"../etc", true},
		{"a/b", true},
		{`a\b`, true},
		{".hidden", true},
		{"-rf", true},
		{"with space", true},
		{strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.hasError {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidSessionID)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidatePackages(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		require.NoError(t, ValidatePackages([]string{"pandas", "numpy==1.26.4", "requests[socks]>=2.0,<3", "scikit-learn"}))
	})

	tests := map[string][]string{
		"Empty":         {},
		"OptionFlag":    {"--index-url=http://evil"},
		"ShortFlag":     {"-r", "requirements.txt"},
		"Whitespace":    {"pandas numpy"},
		"URL":           {"https://example.com/pkg.tar.gz"},
		"ShellMetachar": {"pandas;rm"},
	}
	for name, pkgs := range tests {
		t.Run(name, func(t *testing.T) {
			err := ValidatePackages(pkgs)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPackages)
		})
	}
}

func TestTaskIDs(t *testing.T) {
	assert.Equal(t, "install-s1", InstallID("s1"))
	assert.Equal(t, InstallID("s1"), InstallID("s1"))

	a := NewExecuteID("s1")
	b := NewExecuteID("s1")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "exec-s1-"))
	assert.Len(t, strings.TrimPrefix(a, "exec-s1-"), 12)
}

func TestTransitions(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	queued := New("exec-s1-abc", KindExecute, "s1", now)
	assert.Equal(t, StateQueued, queued.State)
	assert.False(t, queued.State.Terminal())

	running := queued.Running(now.Add(time.Second))
	require.NotNil(t, running.StartedAt)
	assert.Equal(t, StateRunning, running.State)
	assert.Nil(t, queued.StartedAt, "source record must not be mutated")

	done := running.Finished(StateFailed, Outcome{
		Output:      "partial",
		ErrorOutput: "Traceback",
		ExitCode:    IntPtr(1),
		Reason:      ReasonNonZeroExit,
	}, now.Add(2*time.Second))
	assert.True(t, done.State.Terminal())
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 1, *done.ExitCode)
	assert.Equal(t, ReasonNonZeroExit, done.Reason)

	clone := done.Clone()
	*clone.ExitCode = 7
	assert.Equal(t, 1, *done.ExitCode)
}

func TestValidateEnv(t *testing.T) {
	require.NoError(t, ValidateEnv(nil))
	require.NoError(t, ValidateEnv(map[string]string{"MPLBACKEND": "Agg", "_X1": ""}))

	for _, env := range []map[string]string{
		{"1ABC": "x"},
		{"A-B": "x"},
		{"A=B": "x"},
		{"OK": "a\x00b"},
	} {
		err := ValidateEnv(env)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}
