package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const targetLock = `{
  "pid": 4242,
  "workspaceFolders": ["/home/dev/project"],
  "ideName": "Neovim",
  "transport": "ws",
  "authToken": "secret-token",
  "port": 39001
}`

func TestReadWriteDelete(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, os.WriteFile(store.Path(39001), []byte(targetLock), 0o600))

	rec, err := store.Read(39001)
	require.NoError(t, err)
	name, err := rec.IDEName()
	require.NoError(t, err)
	assert.Equal(t, "Neovim", name)

	require.NoError(t, store.Write(12345, rec))
	back, err := store.Read(12345)
	require.NoError(t, err)
	assert.True(t, equal(rec, back))

	data, err := os.ReadFile(store.Path(12345))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"ideName\": \"Neovim\"")

	require.NoError(t, store.Delete(12345))
	_, err = os.Stat(store.Path(12345))
	assert.True(t, os.IsNotExist(err))

	// deleting twice is fine
	assert.NoError(t, store.Delete(12345))
}

func TestReadErrors(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Read(1)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(store.Path(2), []byte("{not json"), 0o600))
	_, err = store.Read(2)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, store.Path(2), perr.Path)

	require.NoError(t, os.WriteFile(store.Path(3), []byte("[1,2]"), 0o600))
	_, err = store.Read(3)
	assert.ErrorAs(t, err, &perr)

	require.NoError(t, os.WriteFile(store.Path(4), []byte("null"), 0o600))
	_, err = store.Read(4)
	assert.ErrorAs(t, err, &perr)
}

func TestWriteCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".claude", "ide")
	store := NewStore(dir)

	require.NoError(t, store.Write(20000, Record{"ideName": json.RawMessage(`"x"`)}))
	_, err := os.Stat(filepath.Join(dir, "20000.lock"))
	assert.NoError(t, err)
}

func TestDerive(t *testing.T) {
	var target Record
	require.NoError(t, json.Unmarshal([]byte(targetLock), &target))

	derived, err := Derive(target, " (Proxy)", 23456)
	require.NoError(t, err)

	name, err := derived.IDEName()
	require.NoError(t, err)
	assert.Equal(t, "Neovim (Proxy)", name)

	port, err := derived.Port()
	require.NoError(t, err)
	assert.Equal(t, 23456, port)

	for k, v := range target {
		if k == "ideName" || k == "port" {
			continue
		}
		assert.Equal(t, string(v), string(derived[k]), k)
	}
	assert.Len(t, derived, len(target))

	// the source record is untouched
	name, _ = target.IDEName()
	assert.Equal(t, "Neovim", name)
}

func TestDeriveAddsPortWhenMissing(t *testing.T) {
	derived, err := Derive(Record{"ideName": json.RawMessage(`"VS Code"`)}, " (Proxy)", 10001)
	require.NoError(t, err)
	port, err := derived.Port()
	require.NoError(t, err)
	assert.Equal(t, 10001, port)
}

func TestDeriveRequiresIDEName(t *testing.T) {
	_, err := Derive(Record{"port": json.RawMessage(`1`)}, " (Proxy)", 10001)
	assert.Error(t, err)

	_, err = Derive(Record{"ideName": json.RawMessage(`42`)}, " (Proxy)", 10001)
	assert.Error(t, err)
}

func TestWriteKeepsFieldTextUnchanged(t *testing.T) {
	store := NewStore(t.TempDir())
	source := `{"ideName":"Tom & Jerry <IDE>","port":1,"url":"http://h/?a=1&b=<2>","nested":{"q":"x>y"}}`
	require.NoError(t, os.WriteFile(store.Path(1), []byte(source), 0o600))

	target, err := store.Read(1)
	require.NoError(t, err)
	derived, err := Derive(target, " (Proxy)", 30000)
	require.NoError(t, err)
	require.NoError(t, store.Write(30000, derived))

	data, err := os.ReadFile(store.Path(30000))
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"url": "http://h/?a=1&b=<2>"`)
	assert.Contains(t, out, `"q": "x>y"`)
	assert.Contains(t, out, `"ideName": "Tom & Jerry <IDE> (Proxy)"`)
	assert.NotContains(t, out, `\u0026`)
	assert.NotContains(t, out, `\u003c`)
	assert.Equal(t, byte('\n'), out[len(out)-1])
	assert.NotEqual(t, byte('\n'), out[len(out)-2])
}

func TestWriteOrdersFieldsByName(t *testing.T) {
	store := NewStore(t.TempDir())
	rec := Record{
		"port":      json.RawMessage(`2`),
		"ideName":   json.RawMessage(`"b"`),
		"authToken": json.RawMessage(`"a"`),
	}
	require.NoError(t, store.Write(40000, rec))

	data, err := os.ReadFile(store.Path(40000))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"authToken\": \"a\",\n  \"ideName\": \"b\",\n  \"port\": 2\n}\n", string(data))
}
