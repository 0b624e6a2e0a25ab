package notify

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules filters which new-message events turn into notifications.
type Rules struct {
	// MutedConversations and MutedUsers suppress notifications entirely.
	MutedConversations []string `yaml:"muted_conversations"`
	MutedUsers         []string `yaml:"muted_users"`

	// Keywords mark a message as a highlight (case-insensitive substring
	// match on the body).
	Keywords []string `yaml:"keywords"`
}

// LoadRules reads a rules file. A missing file is not an error; the
// relay then runs with everything unmuted.
func LoadRules(path string, logger *slog.Logger) (Rules, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug("rules file does not exist, using defaults", "path", path)
		return Rules{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	logger.Info("loaded notification rules", "path", path,
		"muted_conversations", len(rules.MutedConversations),
		"muted_users", len(rules.MutedUsers),
		"keywords", len(rules.Keywords))
	return rules, nil
}

// Muted reports whether messages from this conversation or sender are
// suppressed.
func (r Rules) Muted(conversationID, senderID string) bool {
	for _, c := range r.MutedConversations {
		if c == conversationID {
			return true
		}
	}
	for _, u := range r.MutedUsers {
		if u == senderID {
			return true
		}
	}
	return false
}

// Highlight reports whether the body matches a configured keyword.
func (r Rules) Highlight(body string) bool {
	lower := strings.ToLower(body)
	for _, kw := range r.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
