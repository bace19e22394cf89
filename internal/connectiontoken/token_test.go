package connectiontoken

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateModes(t *testing.T) {
	tests := []struct {
		name      string
		token     *Token
		candidate string
		want      bool
	}{
		{"none accepts anything", NewNone(), "whatever", true},
		{"none accepts empty", NewNone(), "", true},
		{"mandatory match", NewMandatory("secret"), "secret", true},
		{"mandatory mismatch", NewMandatory("secret"), "other", false},
		{"mandatory missing", NewMandatory("secret"), "", false},
		{"optional missing", NewOptional("secret"), "", true},
		{"optional match", NewOptional("secret"), "secret", true},
		{"optional mismatch", NewOptional("secret"), "nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.Validate(tt.candidate))
		})
	}
}

func TestParse(t *testing.T) {
	gen := func() string { return "generated" }

	tok, err := Parse(Options{}, gen)
	require.NoError(t, err)
	assert.Equal(t, Mandatory, tok.Mode())
	assert.Equal(t, "generated", tok.Value())

	tok, err = Parse(Options{WithoutConnectionToken: true}, gen)
	require.NoError(t, err)
	assert.Equal(t, None, tok.Mode())

	_, err = Parse(Options{WithoutConnectionToken: true, Token: "abc"}, gen)
	require.ErrorIs(t, err, ErrConflictingOptions)

	tok, err = Parse(Options{Token: "abc-DEF_123"}, gen)
	require.NoError(t, err)
	assert.Equal(t, "abc-DEF_123", tok.Value())

	_, err = Parse(Options{Token: "bad token!"}, gen)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not adhere")
}

func TestParseTokenFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good")
	require.NoError(t, os.WriteFile(good, []byte("  file-token\n"), 0o600))
	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("has space"), 0o600))

	tok, err := Parse(Options{TokenFile: good}, nil)
	require.NoError(t, err)
	assert.Equal(t, "file-token", tok.Value())

	_, err = Parse(Options{TokenFile: bad}, nil)
	require.Error(t, err)

	_, err = Parse(Options{TokenFile: filepath.Join(dir, "missing")}, nil)
	require.Error(t, err)
}

func TestValidateRequest(t *testing.T) {
	tok := NewMandatory("secret")

	req := httptest.NewRequest(http.MethodGet, "/x?tkn=secret", nil)
	assert.True(t, tok.ValidateRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "secret"})
	assert.True(t, tok.ValidateRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/x?tkn=wrong", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "secret"})
	assert.False(t, tok.ValidateRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.False(t, tok.ValidateRequest(req))
	assert.True(t, NewNone().ValidateRequest(req))
}
