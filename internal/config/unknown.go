package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each fixed section. The empty section
// holds the valid top-level table names.
var knownKeys = map[string][]string{
	"":        {"cloud", "logging", "mirror", "network"},
	"cloud":   {"client_id", "client_secret", "password", "password_env", "provider", "proxy", "settings", "token_file", "url", "username"},
	"logging": {"file", "format", "level"},
	"mirror":  {"debounce", "max_file_size", "skip_dotfiles", "state_dir", "workers"},
	"network": {"timeout", "user_agent"},
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if err == nil || seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError builds the error for one undecoded key. Keys below an
// already-reported unknown key are folded into their parent.
func unknownKeyError(key toml.Key) error {
	switch {
	case len(key) == 0:
		return nil
	case !slices.Contains(knownKeys[""], key[0]):
		return suggest(key[0], "", knownKeys[""])
	case key[0] == "cloud" && len(key) >= 3:
		return suggest(key[2], fmt.Sprintf("[cloud.%s]", key[1]), knownKeys["cloud"])
	case key[0] != "cloud" && len(key) >= 2:
		return suggest(key[1], "["+key[0]+"]", knownKeys[key[0]])
	default:
		return fmt.Errorf("invalid config key %q", key.String())
	}
}

func suggest(name, section string, known []string) error {
	where := ""
	if section != "" {
		where = " in " + section
	}

	if s := closestMatch(name, known); s != "" {
		return fmt.Errorf("unknown config key %q%s, did you mean %q?", name, where, s)
	}

	return fmt.Errorf("unknown config key %q%s", name, where)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
