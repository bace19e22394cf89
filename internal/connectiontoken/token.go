package connectiontoken

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
)

// Mode selects how strictly clients must present the connection token.
type Mode int

const (
	// None accepts every client.
	None Mode = iota
	// Optional accepts clients that omit the token but rejects a wrong one.
	Optional
	// Mandatory requires the exact token.
	Mandatory
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Optional:
		return "optional"
	case Mandatory:
		return "mandatory"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

const (
	// QueryParam carries the token on plain HTTP requests.
	QueryParam = "tkn"
	// CookieName carries the token for browser flows.
	CookieName = "vscode-tkn"
)

var validChars = regexp.MustCompile(`^[0-9A-Za-z_-]+$`)

// ErrConflictingOptions is returned when --without-connection-token is combined with a token.
var ErrConflictingOptions = errors.New("Please do not use the argument '--connection-token' or '--connection-token-file' at the same time as '--without-connection-token'.")

// Token validates secrets presented by clients. Validation failures are
// silent; callers decide whether to reject or continue.
type Token struct {
	mode  Mode
	value string
}

func NewNone() *Token { return &Token{mode: None} }

func NewMandatory(value string) *Token { return &Token{mode: Mandatory, value: value} }

func NewOptional(value string) *Token { return &Token{mode: Optional, value: value} }

func (t *Token) Mode() Mode { return t.mode }

func (t *Token) Value() string { return t.value }

// Validate reports whether candidate is acceptable under the token's mode.
func (t *Token) Validate(candidate string) bool {
	switch t.mode {
	case None:
		return true
	case Optional:
		return candidate == "" || t.equal(candidate)
	default:
		return t.equal(candidate)
	}
}

func (t *Token) equal(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(t.value)) == 1
}

// ValidateRequest checks the tkn query parameter, falling back to the cookie.
func (t *Token) ValidateRequest(r *http.Request) bool {
	if t.mode == None {
		return true
	}
	if q := r.URL.Query().Get(QueryParam); q != "" {
		return t.Validate(q)
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return t.Validate(c.Value)
	}
	return t.Validate("")
}

// Options mirrors the command line switches that configure the token.
type Options struct {
	WithoutConnectionToken bool
	Token                  string
	TokenFile              string
}

// Parse resolves the token configuration. defaultValue is consulted only when
// neither a token nor a token file was given.
func Parse(opts Options, defaultValue func() string) (*Token, error) {
	if opts.WithoutConnectionToken {
		if opts.Token != "" || opts.TokenFile != "" {
			return nil, ErrConflictingOptions
		}
		return NewNone(), nil
	}
	if opts.TokenFile != "" {
		raw, err := os.ReadFile(opts.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("Unable to read the connection token file at '%s'.", opts.TokenFile)
		}
		value := strings.TrimSpace(string(raw))
		if !validChars.MatchString(value) {
			return nil, fmt.Errorf("The connection token defined in '%s' does not adhere to the characters 0-9, a-z, A-Z, _, or -.", opts.TokenFile)
		}
		return NewMandatory(value), nil
	}
	if opts.Token != "" {
		if !validChars.MatchString(opts.Token) {
			return nil, fmt.Errorf("The connection token '%s' does not adhere to the characters 0-9, a-z, A-Z, _, or -.", opts.Token)
		}
		return NewMandatory(opts.Token), nil
	}
	return NewMandatory(defaultValue()), nil
}
