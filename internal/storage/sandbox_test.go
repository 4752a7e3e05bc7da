package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()

	sb, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	return sb
}

func TestNewSandbox(t *testing.T) {
	base := filepath.Join(t.TempDir(), "outputs")

	sb, err := NewSandbox(base)
	require.NoError(t, err)
	require.NotNil(t, sb)

	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.True(t, filepath.IsAbs(sb.BaseDir()))
}

func TestSandbox_ResolvePath(t *testing.T) {
	sb := newTestSandbox(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"plain file", "run.irf", false},
		{"run subdirectory", "01ABC/photos/a.irf", false},
		{"base itself", ".", false},
		{"dot prefixed name", ".manifest", false},
		{"double dot in name", "..weird", false},
		{"parent escape", "../outside.irf", true},
		{"escape through subdir", "runs/../../outside.irf", true},
		{"absolute path", "/etc/hosts", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := sb.ResolvePath(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "escapes sandbox")
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(resolved, sb.BaseDir()))
		})
	}
}

func TestSandbox_TraversalVariants(t *testing.T) {
	sb := newTestSandbox(t)

	for _, attack := range []string{
		"../../../etc/passwd",
		"a/../../b/../../etc/passwd",
		"a/./../../etc/passwd",
		"/abs/anywhere",
	} {
		t.Run(attack, func(t *testing.T) {
			_, err := sb.ResolvePath(attack)
			assert.Error(t, err)
		})
	}
}

func TestSandbox_WriteReadRoundTrip(t *testing.T) {
	sb := newTestSandbox(t)
	payload := []byte("converted frame payload")

	require.NoError(t, sb.WriteFile("run/frame.irf", payload))

	data, err := sb.ReadFile("run/frame.irf")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// WriteFile creates intermediate directories.
	exists, err := sb.Exists("run")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSandbox_Exists(t *testing.T) {
	sb := newTestSandbox(t)

	exists, err := sb.Exists("missing.irf")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, sb.WriteFile("present.irf", []byte("x")))

	exists, err = sb.Exists("present.irf")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSandbox_MkdirAll(t *testing.T) {
	sb := newTestSandbox(t)

	require.NoError(t, sb.MkdirAll("runs/01ABC/photos"))

	exists, err := sb.Exists("runs/01ABC/photos")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSandbox_RemoveAll(t *testing.T) {
	sb := newTestSandbox(t)

	require.NoError(t, sb.WriteFile("runs/01ABC/frame.irf", []byte("x")))
	require.NoError(t, sb.RemoveAll("runs/01ABC"))

	exists, err := sb.Exists("runs/01ABC")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSandbox_RemoveAll_RefusesBase(t *testing.T) {
	sb := newTestSandbox(t)

	err := sb.RemoveAll(".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot remove sandbox base directory")
}

func TestSandbox_AtomicWrite(t *testing.T) {
	sb := newTestSandbox(t)
	payload := []byte("atomic payload")

	require.NoError(t, sb.AtomicWrite("out/result.irf", payload))

	data, err := sb.ReadFile("out/result.irf")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(sb.BaseDir(), "out"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSandbox_AtomicWriteReader(t *testing.T) {
	sb := newTestSandbox(t)
	payload := []byte("streamed payload")

	require.NoError(t, sb.AtomicWriteReader("out/streamed.irf", bytes.NewReader(payload)))

	data, err := sb.ReadFile("out/streamed.irf")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestSandbox_AtomicWrite_Overwrites(t *testing.T) {
	sb := newTestSandbox(t)

	require.NoError(t, sb.AtomicWrite("result.irf", []byte("first")))
	require.NoError(t, sb.AtomicWrite("result.irf", []byte("second")))

	data, err := sb.ReadFile("result.irf")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestSandbox_OpenFile(t *testing.T) {
	sb := newTestSandbox(t)

	f, err := sb.OpenFile("logs/run.log", os.O_CREATE|os.O_WRONLY, 0640)
	require.NoError(t, err)

	_, err = f.WriteString("line one")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := sb.ReadFile("logs/run.log")
	require.NoError(t, err)
	assert.Equal(t, "line one", string(data))
}

func TestSandbox_Walk(t *testing.T) {
	sb := newTestSandbox(t)

	require.NoError(t, sb.WriteFile("top.irf", []byte("t")))
	require.NoError(t, sb.WriteFile("run/nested.irf", []byte("n")))

	var paths []string
	err := sb.Walk(".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	require.NoError(t, err)

	// Walk reports paths relative to the sandbox base.
	assert.Contains(t, paths, "top.irf")
	assert.Contains(t, paths, filepath.Join("run", "nested.irf"))
}

func TestSandbox_StatAndSize(t *testing.T) {
	sb := newTestSandbox(t)
	payload := []byte("twelve bytes")

	require.NoError(t, sb.WriteFile("sized.irf", payload))

	info, err := sb.Stat("sized.irf")
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	size, err := sb.Size("sized.irf")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)
}
