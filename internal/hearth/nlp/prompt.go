package nlp

import (
	"fmt"
	"strings"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
)

// classifySystemPrompt takes two %s verbs: the device table and the scene
// table.
const classifySystemPrompt = `You are Hearth, a smart-home assistant.

Split the user's message into the sub-commands it contains, in the order
they appear, and classify each one. You NEVER control devices yourself; you
only propose structured intents.

Devices (id | name | category | room):
%s

Scenes (id | name):
%s

Kinds:
- "control":      change a device state now (on/off, brightness, mode, ...).
- "query":        ask for the current state of a device.
- "schedule":     change a device state at a time of day on given weekdays.
- "scene":        run one of the listed scenes.
- "high_risk":    a control or schedule touching security (locks, doors,
                  alarms, garage, gas, water valves). Set "action" to
                  "control" or "schedule".
- "ambiguous":    you cannot tell which device or what action is meant.
                  Explain why in "rationale".
- "conversation": small talk or anything with no device action. Put your
                  short answer in "reply".

RULES (strict):
1. Respond ONLY with JSON: {"intents":[...]}.
2. Use only device ids and scene ids from the tables above. Never invent an
   id and never map a name onto a different device ("TV" is not "kitchen
   light"). If the user names something that is not listed, return a
   "control"/"query" intent with empty "device_ids" and put the name they
   used in "mention".
3. Do not merge repeated commands; "switch 1 off, then switch 2 off" is two
   intents.
4. "time" is 24-hour "HH:MM"; "days" are Sun, Mon, Tue, Wed, Thu, Fri, Sat.

Intent fields: kind, action, device_ids, scene_id, scene_name, mention,
sub_text (the words of this sub-command), rationale, time, days, reply,
confidence (0-1).
`

// extractSystemPrompt takes the device line, the function table and the
// schedule instruction.
const extractSystemPrompt = `You translate one smart-home command into a
single device function call.

Device: %s

Declared functions (code | type | constraints):
%s

Respond ONLY with JSON: {"code": "<function code>", "value": <value>%s}.
The code MUST be one of the declared codes and the value MUST satisfy the
function's type and constraints (Boolean -> true/false, Integer/Value ->
number within min/max, Enum -> one of the listed strings).
If the command cannot be expressed with these functions, respond with
{"code": "", "failure_reason": "<why>"}.
`

const scheduleFields = `, "time": "HH:MM", "days": ["Mon", ...]`

func deviceTable(devices []catalog.Device) string {
	if len(devices) == 0 {
		return "(no devices)"
	}
	var sb strings.Builder
	for _, d := range devices {
		room := d.Space
		if d.Subspace != "" {
			room = strings.TrimSpace(room + " / " + d.Subspace)
		}
		fmt.Fprintf(&sb, "%s | %s | %s | %s\n", d.ID, d.Name, d.Category, room)
	}
	return sb.String()
}

func sceneTable(scenes []catalog.Scene) string {
	if len(scenes) == 0 {
		return "(no scenes)"
	}
	var sb strings.Builder
	for _, s := range scenes {
		fmt.Fprintf(&sb, "%s | %s\n", s.ID, s.Name)
	}
	return sb.String()
}

func functionTable(fns []catalog.Function) string {
	if len(fns) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, f := range fns {
		constraints := strings.TrimSpace(string(f.Values))
		if constraints == "" {
			constraints = "{}"
		}
		fmt.Fprintf(&sb, "%s | %s | %s\n", f.Code, f.Type, constraints)
	}
	return sb.String()
}

// BuildClassifyPrompt renders the classification system prompt.
func BuildClassifyPrompt(devices []catalog.Device, scenes []catalog.Scene) string {
	return fmt.Sprintf(classifySystemPrompt, deviceTable(devices), sceneTable(scenes))
}

// BuildExtractPrompt renders the extraction system prompt.
func BuildExtractPrompt(req ExtractRequest) string {
	extra := ""
	if req.WantSchedule {
		extra = scheduleFields
	}
	device := fmt.Sprintf("%s (%s, product type %s)", req.Device.Label(), req.Device.ID, req.Device.ProductType)
	return fmt.Sprintf(extractSystemPrompt, device, functionTable(req.Functions), extra)
}
