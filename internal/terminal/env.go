package terminal

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// Settings are the terminal.integrated.* values that shape a new shell.
// Values sent by the client take precedence over the agent's own.
type Settings struct {
	Env          map[string]*string
	Cwd          string
	DetectLocale string
	InheritEnv   *bool
	DefaultShell string
}

// MutatorType is how an extension changes one variable.
type MutatorType int

const (
	MutatorReplace MutatorType = 1
	MutatorAppend  MutatorType = 2
	MutatorPrepend MutatorType = 3
)

type Mutator struct {
	Variable string      `json:"variable"`
	Value    string      `json:"value"`
	Type     MutatorType `json:"type"`
}

// Collection is the environment contribution of one extension.
type Collection struct {
	ExtensionID string
	Mutators    []Mutator
}

// mergeEnvironments applies other onto env. A nil value deletes the key.
func mergeEnvironments(env map[string]string, other map[string]*string, goos string) {
	for k, v := range other {
		if goos == "windows" {
			for existing := range env {
				if existing != k && strings.EqualFold(existing, k) {
					delete(env, existing)
					if v != nil {
						k = existing
					}
				}
			}
		}
		if v == nil {
			delete(env, k)
			continue
		}
		env[k] = *v
	}
}

// addTerminalKeys sets the variables that identify the terminal.
func addTerminalKeys(env map[string]string, version, language, detectLocale string) {
	env["TERM_PROGRAM"] = "vscode"
	if version != "" {
		env["TERM_PROGRAM_VERSION"] = version
	}
	if shouldSetLang(env, detectLocale) {
		env["LANG"] = langVariable(language)
	}
	env["COLORTERM"] = "truecolor"
}

func shouldSetLang(env map[string]string, detectLocale string) bool {
	switch detectLocale {
	case "on":
		return true
	case "off":
		return false
	}
	lang := env["LANG"]
	if lang == "" {
		return true
	}
	if strings.HasSuffix(lang, ".UTF-8") || strings.HasSuffix(lang, ".utf8") {
		return false
	}
	return !strings.Contains(lang, ".")
}

var languageRegions = map[string]string{
	"af": "ZA", "am": "ET", "be": "BY", "bg": "BG", "ca": "ES", "cs": "CZ", "da": "DK",
	"de": "DE", "el": "GR", "en": "US", "es": "ES", "et": "EE", "eu": "ES", "fi": "FI",
	"fr": "FR", "he": "IL", "hr": "HR", "hu": "HU", "hy": "AM", "is": "IS", "it": "IT",
	"ja": "JP", "kk": "KZ", "ko": "KR", "lt": "LT", "nl": "NL", "no": "NO", "pl": "PL",
	"pt": "BR", "ro": "RO", "ru": "RU", "sk": "SK", "sl": "SI", "sr": "YU", "sv": "SE",
	"tr": "TR", "uk": "UA", "zh": "CN",
}

// langVariable turns an editor locale such as "de" or "zh-tw" into a LANG
// value.
func langVariable(locale string) string {
	if locale == "" {
		return "en_US.UTF-8"
	}
	parts := strings.Split(locale, "-")
	if len(parts) == 1 {
		region, ok := languageRegions[parts[0]]
		if !ok {
			return "en_US.UTF-8"
		}
		parts = append(parts, region)
	} else {
		parts[1] = strings.ToUpper(parts[1])
	}
	return strings.Join(parts, "_") + ".UTF-8"
}

// applyCollections runs extension mutators in order.
func applyCollections(env map[string]string, collections []Collection) {
	for _, c := range collections {
		for _, m := range c.Mutators {
			switch m.Type {
			case MutatorReplace:
				env[m.Variable] = m.Value
			case MutatorAppend:
				env[m.Variable] = env[m.Variable] + m.Value
			case MutatorPrepend:
				env[m.Variable] = m.Value + env[m.Variable]
			}
		}
	}
}

var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// resolveVariables expands ${env:NAME}, ${userHome} and ${workspaceFolder}
// after the values the client resolved already. Unknown variables are left
// as written.
func resolveVariables(value string, env, resolved map[string]string, workspaceFolder string) string {
	return variablePattern.ReplaceAllStringFunc(value, func(m string) string {
		if v, ok := resolved[m]; ok {
			return v
		}
		name := m[2 : len(m)-1]
		switch {
		case strings.HasPrefix(name, "env:"):
			return env[strings.TrimPrefix(name, "env:")]
		case name == "userHome":
			home, _ := os.UserHomeDir()
			return home
		case name == "workspaceFolder" && workspaceFolder != "":
			return workspaceFolder
		}
		return m
	})
}

// initialCwd picks the launch cwd, then the configured cwd, then the
// workspace root, then home.
func initialCwd(launchCwd, configured, workspaceRoot, home string) string {
	pick := func(dir string) string {
		if filepath.IsAbs(dir) || workspaceRoot == "" {
			return dir
		}
		return filepath.Join(workspaceRoot, dir)
	}
	switch {
	case launchCwd != "":
		return pick(launchCwd)
	case configured != "":
		return pick(configured)
	case workspaceRoot != "":
		return workspaceRoot
	default:
		return home
	}
}

// minimalEnv is what a shell gets when it must not inherit the agent's
// environment.
func minimalEnv(from map[string]string) map[string]string {
	out := make(map[string]string)
	for _, k := range []string{"HOME", "USER", "LOGNAME", "SHELL", "PATH", "TMPDIR"} {
		if v, ok := from[k]; ok {
			out[k] = v
		}
	}
	return out
}

func platformEnvKey() string {
	switch runtime.GOOS {
	case "darwin":
		return "terminal.integrated.env.osx"
	case "windows":
		return "terminal.integrated.env.windows"
	default:
		return "terminal.integrated.env.linux"
	}
}
