package chatops

import (
	"fmt"
	"strings"

	"github.com/opsgate/opsgate/internal/command"
)

// intentRules maps the operator vocabulary to project actions. Words
// match as substrings so "errors" hits "error" and "restarting" hits
// "restart".
var intentRules = []struct {
	action string
	words  []string
}{
	{action: "status", words: []string{"status", "health", "running"}},
	{action: "logs", words: []string{"log", "logs", "error"}},
	{action: "update", words: []string{"update", "deploy", "latest"}},
	{action: "restart", words: []string{"restart", "reboot", "reset"}},
}

// ParseIntent scans a free-text message for operator vocabulary and
// returns the actions to suggest. Log, update and restart suggestions
// need a project named in the message (or the word "all"); status
// covers every registered project when none is named.
func ParseIntent(text, caller string, projects []string) []Action {
	lower := strings.ToLower(text)

	contains := func(words []string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}

	mentioned := mentionedProjects(lower, projects)
	var actions []Action

	for _, rule := range intentRules {
		if !contains(rule.words) {
			continue
		}

		targets := mentioned
		if rule.action == "status" && len(targets) == 0 {
			targets = projects
		}

		for _, name := range targets {
			params := map[string]any{"project": name}
			var label string
			switch rule.action {
			case "status":
				label = fmt.Sprintf("📊 Check %s status", name)
			case "logs":
				label = fmt.Sprintf("📋 View %s logs", name)
				params["lines"] = 20
			case "update":
				label = fmt.Sprintf("🔄 Update %s", name)
			case "restart":
				label = fmt.Sprintf("🔄 Restart %s", name)
			}
			actions = append(actions, Action{
				Label: label,
				Cmd:   command.New(command.TypeProject, rule.action, caller, params),
			})
		}
	}

	return actions
}

// mentionedProjects returns the registered projects named in the
// message. The bare word "all" selects every project; it must stand
// alone so that words like "install" do not match.
func mentionedProjects(lower string, projects []string) []string {
	for _, field := range strings.Fields(lower) {
		if field == "all" {
			return projects
		}
	}

	var out []string
	for _, name := range projects {
		if strings.Contains(lower, strings.ToLower(name)) {
			out = append(out, name)
		}
	}
	return out
}
