package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/pyexec/task"
)

func TestCleanPath(t *testing.T) {
	valid := map[string]string{
		"data.csv":          "data.csv",
		"dir/file.txt":      "dir/file.txt",
		"./dir//file.txt":   "dir/file.txt",
		"a/./b":             "a/b",
		"venv/bin/python":   "venv/bin/python",
		"..hidden/file.txt": "..hidden/file.txt",
	}
	for in, expected := range valid {
		t.Run(in, func(t *testing.T) {
			got, err := CleanPath(in)
			require.NoError(t, err)
			assert.Equal(t, expected, got)
		})
	}

	invalid := []string{"", "/etc/passwd", "../x", "a/../../x", "a/..", `a\b`, ".", "./"}
	for _, in := range invalid {
		t.Run("Invalid_"+in, func(t *testing.T) {
			_, err := CleanPath(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, task.ErrInvalidPath)
		})
	}
}
