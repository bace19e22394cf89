package terminal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestLangVariable(t *testing.T) {
	assert.Equal(t, "en_US.UTF-8", langVariable(""))
	assert.Equal(t, "de_DE.UTF-8", langVariable("de"))
	assert.Equal(t, "zh_TW.UTF-8", langVariable("zh-tw"))
	assert.Equal(t, "en_US.UTF-8", langVariable("xx"))
}

func TestShouldSetLang(t *testing.T) {
	assert.True(t, shouldSetLang(map[string]string{"LANG": "en_US.UTF-8"}, "on"))
	assert.False(t, shouldSetLang(map[string]string{}, "off"))

	// auto
	assert.True(t, shouldSetLang(map[string]string{}, "auto"))
	assert.True(t, shouldSetLang(map[string]string{"LANG": "C"}, ""))
	assert.False(t, shouldSetLang(map[string]string{"LANG": "de_DE.UTF-8"}, "auto"))
	assert.False(t, shouldSetLang(map[string]string{"LANG": "de_DE.ISO-8859-1"}, "auto"))
}

func TestAddTerminalKeys(t *testing.T) {
	env := map[string]string{"LANG": "fr_FR.UTF-8"}
	addTerminalKeys(env, "1.90.0", "de", "auto")
	assert.Equal(t, "vscode", env["TERM_PROGRAM"])
	assert.Equal(t, "1.90.0", env["TERM_PROGRAM_VERSION"])
	assert.Equal(t, "truecolor", env["COLORTERM"])
	assert.Equal(t, "fr_FR.UTF-8", env["LANG"])

	addTerminalKeys(env, "", "de", "on")
	assert.Equal(t, "de_DE.UTF-8", env["LANG"])
}

func TestMergeEnvironmentsDeletesNull(t *testing.T) {
	env := map[string]string{"A": "1", "B": "2"}
	mergeEnvironments(env, map[string]*string{"A": nil, "C": strp("3")}, "linux")
	assert.Equal(t, map[string]string{"B": "2", "C": "3"}, env)
}

func TestMergeEnvironmentsWindowsIgnoresCase(t *testing.T) {
	env := map[string]string{"Path": `C:\bin`}
	mergeEnvironments(env, map[string]*string{"PATH": strp(`D:\bin`)}, "windows")
	assert.Equal(t, map[string]string{"Path": `D:\bin`}, env)
}

func TestApplyCollections(t *testing.T) {
	env := map[string]string{"PATH": "/usr/bin", "X": "old"}
	applyCollections(env, []Collection{
		{ExtensionID: "a", Mutators: []Mutator{
			{Variable: "PATH", Value: "/ext/bin:", Type: MutatorPrepend},
			{Variable: "X", Value: "new", Type: MutatorReplace},
		}},
		{ExtensionID: "b", Mutators: []Mutator{
			{Variable: "PATH", Value: ":/tail", Type: MutatorAppend},
			{Variable: "Y", Value: "y", Type: MutatorAppend},
		}},
	})
	assert.Equal(t, "/ext/bin:/usr/bin:/tail", env["PATH"])
	assert.Equal(t, "new", env["X"])
	assert.Equal(t, "y", env["Y"])
}

func TestResolveVariables(t *testing.T) {
	env := map[string]string{"FOO": "bar"}
	resolved := map[string]string{"${config:x}": "cfg"}
	assert.Equal(t, "bar/baz", resolveVariables("${env:FOO}/baz", env, nil, ""))
	assert.Equal(t, "/ws/src", resolveVariables("${workspaceFolder}/src", env, nil, "/ws"))
	assert.Equal(t, "${workspaceFolder}", resolveVariables("${workspaceFolder}", env, nil, ""))
	assert.Equal(t, "cfg", resolveVariables("${config:x}", env, resolved, ""))
	assert.Equal(t, "${unknown}", resolveVariables("${unknown}", env, nil, ""))
}

func TestInitialCwd(t *testing.T) {
	assert.Equal(t, "/abs", initialCwd("/abs", "/cfg", "/ws", "/home"))
	assert.Equal(t, "/ws/sub", initialCwd("sub", "", "/ws", "/home"))
	assert.Equal(t, "/cfg", initialCwd("", "/cfg", "/ws", "/home"))
	assert.Equal(t, "/ws", initialCwd("", "", "/ws", "/home"))
	assert.Equal(t, "/home", initialCwd("", "", "", "/home"))
}

func TestDecodeArgs(t *testing.T) {
	var (
		id   int
		data string
		flag bool
	)
	require.NoError(t, decodeArgs([]byte(`[3,"ls\r"]`), &id, &data, &flag))
	assert.Equal(t, 3, id)
	assert.Equal(t, "ls\r", data)
	assert.False(t, flag)

	require.NoError(t, decodeArgs(nil, &id))
	require.ErrorIs(t, decodeArgs([]byte(`{"id":1}`), &id), errBadArguments)
	require.ErrorIs(t, decodeArgs([]byte(`["x"]`), &id), errBadArguments)
}

func TestParseCollections(t *testing.T) {
	raw := `[["ext.one",[["PATH",{"value":"/x:","type":3,"variable":"PATH"}],["FOO",{"value":"1","type":1}]],null]]`
	var entries []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &entries))
	cols, err := parseCollections(entries)
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "ext.one", cols[0].ExtensionID)
	assert.Equal(t, []Mutator{
		{Variable: "PATH", Value: "/x:", Type: MutatorPrepend},
		{Variable: "FOO", Value: "1", Type: MutatorReplace},
	}, cols[0].Mutators)
}
