package exam

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ScriptSet holds the three fixed texts read aloud during the sessions.
// Static configuration, not behavior: it can be overridden from a YAML file
// but never changes mid-exam.
type ScriptSet struct {
	texts [SessionCount]string
}

// Text returns the script for the given 1-based session number.
func (s *ScriptSet) Text(sessionNumber int) (string, bool) {
	if sessionNumber < 1 || sessionNumber > SessionCount {
		return "", false
	}
	return s.texts[sessionNumber-1], true
}

// DefaultScripts returns the built-in script texts.
func DefaultScripts() *ScriptSet {
	return &ScriptSet{texts: [SessionCount]string{
		"Please read the following passage clearly and at a natural pace. " +
			"The quick brown fox jumps over the lazy dog while the autumn " +
			"wind carries fallen leaves across the quiet courtyard.",
		"For this session, describe your morning routine in complete " +
			"sentences, then read: she sells seashells by the seashore, and " +
			"the shells she sells are surely seashells.",
		"In this final session, read the passage below and then summarize " +
			"it in your own words: technology changes quickly, but the " +
			"habits of careful reading and clear speech remain valuable.",
	}}
}

type scriptsFile struct {
	Scripts []string `yaml:"scripts"`
}

// LoadScripts reads session scripts from a YAML file of the form:
//
//	scripts:
//	  - "text for session 1"
//	  - "text for session 2"
//	  - "text for session 3"
//
// The file must define exactly three non-empty texts.
func LoadScripts(path string) (*ScriptSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scripts file: %w", err)
	}

	var f scriptsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scripts file: %w", err)
	}
	if len(f.Scripts) != SessionCount {
		return nil, fmt.Errorf("scripts file must define exactly %d scripts, got %d", SessionCount, len(f.Scripts))
	}

	set := &ScriptSet{}
	for i, text := range f.Scripts {
		if text == "" {
			return nil, fmt.Errorf("script %d is empty", i+1)
		}
		set.texts[i] = text
	}
	return set, nil
}
