package repl

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/stubindex"
	"github.com/drpcorg/stubindex/examples"
	"github.com/drpcorg/stubindex/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const outline = `class Shape
  func area
class Circle extends Shape
  func area
`

func testREPL(t *testing.T) (*REPL, *bytes.Buffer) {
	defs, err := examples.Definitions()
	require.NoError(t, err)
	idx, err := stubindex.Open("db", stubindex.Options{
		Options:     pebble.Options{FS: vfs.NewMem()},
		Definitions: defs,
		Indexer:     examples.Indexer{},
		Logger:      utils.NewDefaultLogger(slog.LevelWarn),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	for _, kind := range examples.Kinds() {
		_, err := idx.RegisterKind(kind)
		require.NoError(t, err)
	}
	out := &bytes.Buffer{}
	return &REPL{Index: idx, Out: out}, out
}

func writeOutline(t *testing.T, text string) string {
	path := filepath.Join(t.TempDir(), "shapes.outline")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestExecute(t *testing.T) {
	repl, out := testREPL(t)
	path := writeOutline(t, outline)

	require.NoError(t, repl.Execute("index 7 "+path))
	assert.Contains(t, out.String(), "file 7 changed")

	out.Reset()
	require.NoError(t, repl.Execute("index 7 "+path))
	assert.Equal(t, "file 7 unchanged\n", out.String())

	out.Reset()
	require.NoError(t, repl.Execute("changed 7 "+path))
	assert.Equal(t, "false\n", out.String())

	out.Reset()
	require.NoError(t, repl.Execute("query demo.classes Circle"))
	assert.Equal(t, "[7]\n", out.String())

	out.Reset()
	require.NoError(t, repl.Execute("query demo.lines 3"))
	assert.Equal(t, "[7]\n", out.String())

	out.Reset()
	require.NoError(t, repl.Execute("ids 7 demo.funcs area"))
	assert.Equal(t, "[2 4]\n", out.String())

	out.Reset()
	require.NoError(t, repl.Execute("tree 7"))
	assert.Contains(t, out.String(), "demo.class Circle extends Shape :3")

	out.Reset()
	require.NoError(t, repl.Execute("rm 7"))
	require.NoError(t, repl.Execute("query demo.classes Circle"))
	assert.Contains(t, out.String(), "[]\n")

	assert.Equal(t, io.EOF, repl.Execute("exit"))
}

func TestExecuteErrors(t *testing.T) {
	repl, _ := testREPL(t)
	assert.Equal(t, HelpIndex, repl.Execute("index 1"))
	assert.Equal(t, HelpQuery, repl.Execute("query demo.classes"))
	assert.ErrorContains(t, repl.Execute("query nope x"), "no index")
	assert.ErrorContains(t, repl.Execute("query demo.lines x"), "wants a number")
	assert.ErrorContains(t, repl.Execute("hash x"), "bad file id")
	assert.ErrorContains(t, repl.Execute("hash 3"), "not indexed")
	assert.NoError(t, repl.Execute(""))
}

func TestHandler(t *testing.T) {
	repl, _ := testREPL(t)
	require.NoError(t, repl.Execute("index 3 "+writeOutline(t, outline)))
	h, err := Handler(repl)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/query?index=demo.funcs&key=area", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var files []uint32
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	assert.Equal(t, []uint32{3}, files)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tree?file=4", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/query", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stubindex_")
}
