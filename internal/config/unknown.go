package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section.
var knownKeys = map[string][]string{
	"server": {
		"host", "port", "auth_user", "auth_password", "strip_prefix",
		"tls_cert", "tls_key", "read_only", "read_buffer_size", "auto_index",
	},
	"drive": {
		"refresh_token", "root", "workdir", "no_trash", "domain_id",
		"api_base_url", "token_url", "upload_part_size", "bandwidth_limit",
	},
	"cache":   {"size", "ttl"},
	"retry":   {"max_retries", "base_backoff", "max_backoff"},
	"login":   {"poll_interval", "max_polls"},
	"logging": {"log_level", "log_format"},
	"metrics": {"listen"},
}

// knownSections is sorted for deterministic suggestions when two candidates
// have the same edit distance.
var knownSections = slices.Sorted(maps.Keys(knownKeys))

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	section := key[0]

	fields, ok := knownKeys[section]
	if !ok {
		if s := closestMatch(section, knownSections); s != "" {
			return fmt.Errorf("unknown config section %q; did you mean %q?", section, s)
		}

		return fmt.Errorf("unknown config section %q", section)
	}

	field := key[1]
	if s := closestMatch(field, fields); s != "" {
		return fmt.Errorf("unknown config key %q; did you mean %q?", key.String(), section+"."+s)
	}

	return fmt.Errorf("unknown config key %q", key.String())
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

// levenshtein computes the edit distance between two strings using two rows.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

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

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
