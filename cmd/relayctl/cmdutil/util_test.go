package cmdutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoolToYesNo(t *testing.T) {
	assert.Equal(t, "yes", BoolToYesNo(true))
	assert.Equal(t, "no", BoolToYesNo(false))
}

func TestEmptyOr(t *testing.T) {
	assert.Equal(t, "value", EmptyOr("value", "-"))
	assert.Equal(t, "-", EmptyOr("", "-"))
}

type fakeRenderer struct{}

func (fakeRenderer) Headers() []string { return []string{"A"} }
func (fakeRenderer) Rows() [][]string  { return [][]string{{"1"}} }

func TestPrintOutputEmptyTable(t *testing.T) {
	old := Flags.Output
	Flags.Output = "table"
	t.Cleanup(func() { Flags.Output = old })

	var buf bytes.Buffer
	require.NoError(t, PrintOutput(&buf, nil, true, "Nothing here.", fakeRenderer{}))
	assert.Contains(t, buf.String(), "Nothing here.")
}

func TestPrintOutputJSON(t *testing.T) {
	old := Flags.Output
	Flags.Output = "json"
	t.Cleanup(func() { Flags.Output = old })

	var buf bytes.Buffer
	require.NoError(t, PrintOutput(&buf, map[string]int{"n": 1}, false, "", fakeRenderer{}))
	assert.JSONEq(t, `{"n":1}`, buf.String())
}

func TestGetAuthenticatedClientFromFlags(t *testing.T) {
	oldURL, oldTok := Flags.ServerURL, Flags.Token
	Flags.ServerURL = "http://relay.test"
	Flags.Token = "tok"
	t.Cleanup(func() { Flags.ServerURL, Flags.Token = oldURL, oldTok })

	client, err := GetAuthenticatedClient()
	require.NoError(t, err)
	assert.Equal(t, "http://relay.test", client.BaseURL())
}

func TestGetAuthenticatedClientNotLoggedIn(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	oldURL, oldTok := Flags.ServerURL, Flags.Token
	Flags.ServerURL, Flags.Token = "", ""
	t.Cleanup(func() { Flags.ServerURL, Flags.Token = oldURL, oldTok })

	_, err := GetAuthenticatedClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relayctl login")
}
