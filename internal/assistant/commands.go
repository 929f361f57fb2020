package assistant

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Command is a device command the model asked to run.
type Command struct {
	Domain   string         `json:"domain"`
	Service  string         `json:"service"`
	EntityID string         `json:"entity_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// commandBlock matches a fenced ```command block.
var commandBlock = regexp.MustCompile("(?s)```command\\s*\\n(.*?)```")

// commandInstructions tells the model how to request device actions.
const commandInstructions = "To change a device, add a fenced block tagged `command` containing one JSON object per line, " +
	"for example:\n```command\n{\"domain\":\"light\",\"service\":\"turn_on\",\"entity_id\":\"light.porch\",\"data\":{\"brightness\":200}}\n```\n" +
	"Only use entity IDs listed in the context. Never describe a change as done; the system reports the outcome."

// extractCommands removes command blocks from reply and returns the
// remaining text and the parsed commands. Lines that are not valid
// command objects are dropped.
func extractCommands(reply string) (string, []Command) {
	var cmds []Command
	for _, m := range commandBlock.FindAllStringSubmatch(reply, -1) {
		for _, line := range strings.Split(m[1], "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var c Command
			if err := json.Unmarshal([]byte(line), &c); err != nil || c.Domain == "" || c.Service == "" {
				continue
			}
			cmds = append(cmds, c)
		}
	}
	text := strings.TrimSpace(commandBlock.ReplaceAllString(reply, ""))
	return text, cmds
}
