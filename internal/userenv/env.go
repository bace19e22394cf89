// Package userenv builds the environment of processes started on behalf of
// a client: the extension host and terminal shells.
package userenv

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// DefaultESMEntrypoint is the module the extension host boots into.
const DefaultESMEntrypoint = "vs/workbench/api/node/extensionHostProcess"

// ShellEnvProvider supplies the environment of the user's login shell.
type ShellEnvProvider interface {
	Resolve(ctx context.Context) map[string]string
}

// Params configure Build.
type Params struct {
	Language             string
	AppRoot              string
	Built                bool
	ESMEntrypoint        string
	WithoutBrowserEnvVar bool

	// Base replaces os.Environ when non-nil.
	Base     map[string]string
	ShellEnv ShellEnvProvider
	// Overrides are applied last; a nil value deletes the key.
	Overrides map[string]*string

	goos string
}

// Build composes process env, shell env, the bootstrap variables and the
// overrides, then prefixes PATH with the remote CLI folder.
func Build(ctx context.Context, p Params) map[string]string {
	goos := p.goos
	if goos == "" {
		goos = runtime.GOOS
	}
	if p.ESMEntrypoint == "" {
		p.ESMEntrypoint = DefaultESMEntrypoint
	}

	env := make(map[string]*string)
	base := p.Base
	if base == nil {
		base = FromEnviron(os.Environ())
	}
	merge(env, base)
	if p.ShellEnv != nil {
		merge(env, p.ShellEnv.Resolve(ctx))
	}
	merge(env, map[string]string{
		"VSCODE_ESM_ENTRYPOINT":          p.ESMEntrypoint,
		"VSCODE_HANDLES_UNCAUGHT_ERRORS": "true",
		"VSCODE_NLS_CONFIG":              NLSConfig(p.Language),
	})
	for k, v := range p.Overrides {
		env[k] = v
	}

	bin := BinFolder(p.AppRoot, p.Built)
	cli := filepath.Join(bin, "remote-cli")
	sep := string(os.PathListSeparator)
	if goos == "windows" {
		sep = ";"
	}
	if cur, ok := GetCaseInsensitive(env, "PATH", goos); ok && cur != nil && *cur != "" {
		SetCaseInsensitive(env, "PATH", cli+sep+*cur, goos)
	} else {
		SetCaseInsensitive(env, "PATH", cli, goos)
	}
	if !p.WithoutBrowserEnvVar {
		helper := "browser.sh"
		if goos == "windows" {
			helper = "browser.cmd"
		}
		browser := filepath.Join(bin, "helpers", helper)
		env["BROWSER"] = &browser
	}
	return removeNulls(env)
}

// BinFolder is where the agent's helper scripts live.
func BinFolder(appRoot string, built bool) string {
	if built {
		return filepath.Join(appRoot, "bin")
	}
	return filepath.Join(appRoot, "resources", "server", "bin-dev")
}

// RemoveDangerousEnvVariables drops variables that would alter how a child
// process loads or logs.
func RemoveDangerousEnvVariables(env map[string]string) {
	removeDangerous(env, runtime.GOOS)
}

func removeDangerous(env map[string]string, goos string) {
	delete(env, "DEBUG")
	switch goos {
	case "darwin":
		delete(env, "DYLD_LIBRARY_PATH")
	case "linux":
		delete(env, "LD_PRELOAD")
	}
}

// NLSConfig is the JSON localization configuration passed to the extension host.
func NLSConfig(language string) string {
	if language == "" {
		language = "en"
	}
	cfg := struct {
		UserLocale         string            `json:"userLocale"`
		OSLocale           string            `json:"osLocale"`
		ResolvedLanguage   string            `json:"resolvedLanguage"`
		Locale             string            `json:"locale"`
		AvailableLanguages map[string]string `json:"availableLanguages"`
	}{language, language, language, language, map[string]string{}}
	data, _ := json.Marshal(cfg)
	return string(data)
}

// GetCaseInsensitive looks key up, ignoring case on Windows.
func GetCaseInsensitive(env map[string]*string, key, goos string) (*string, bool) {
	if v, ok := env[key]; ok {
		return v, true
	}
	if goos != "windows" {
		return nil, false
	}
	for k, v := range env {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// SetCaseInsensitive replaces the value of key, keeping the existing
// spelling of the key on Windows.
func SetCaseInsensitive(env map[string]*string, key, value, goos string) {
	if goos == "windows" {
		for k := range env {
			if strings.EqualFold(k, key) {
				env[k] = &value
				return
			}
		}
	}
	env[key] = &value
}

// FromEnviron converts KEY=VALUE pairs.
func FromEnviron(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// ToEnviron converts to sorted KEY=VALUE pairs.
func ToEnviron(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func merge(dst map[string]*string, src map[string]string) {
	for k, v := range src {
		v := v
		dst[k] = &v
	}
}

func removeNulls(env map[string]*string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}
