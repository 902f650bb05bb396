// Package dispatch builds the conversational content handed to the remote
// agent: the dispatcher system instruction and the reportEmergency tool.
package dispatch

import (
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/rescuevox/internal/geo"
	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
)

// ReportToolName is the function the agent calls once it has gathered
// enough detail to file a report.
const ReportToolName = "reportEmergency"

// DefaultVoice is the prebuilt voice used when none is configured.
const DefaultVoice = "Kore"

// LocationUnavailable replaces the coordinates in the instruction when the
// device has no fix.
const LocationUnavailable = "UNAVAILABLE"

// Step is one phase of the dispatcher protocol.
type Step struct {
	Title string
	Body  string
}

// Protocol is the ordered conversation the agent follows.
var Protocol = []Step{
	{
		Title: "LOCATION",
		Body: "Confirm where the emergency is. If device coordinates are known, read back the " +
			"area and ask the caller to confirm. Otherwise ask for an address, intersection or " +
			"landmark and estimate coordinates from it.",
	},
	{
		Title: "SITUATION",
		Body: "Ask what is happening. Classify it as one emergency type such as Fire, Medical, " +
			"Crime, Accident or Natural Disaster.",
	},
	{
		Title: "VITAL DETAILS",
		Body: "You must ask how many people are involved or injured and what is needed most " +
			"urgently. Do not skip this step even if the caller is brief.",
	},
	{
		Title: "EXECUTION",
		Body: "Call " + ReportToolName + " exactly once with everything you gathered. Send " +
			"latitude and longitude together or not at all.",
	},
	{
		Title: "CLOSING",
		Body: "Tell the caller the report has been filed and help is being coordinated. Give " +
			"short safety advice and stay calm.",
	},
}

// Instructions returns the system instruction embedding the device location
// (or [LocationUnavailable]) and the ordered [Protocol].
func Instructions(loc *geo.Location) string {
	var b strings.Builder
	b.WriteString("You are an emergency dispatcher taking a report by voice. ")
	b.WriteString("Speak calmly and briefly. Ask one question at a time.\n\n")

	b.WriteString("DEVICE LOCATION: ")
	if loc != nil {
		fmt.Fprintf(&b, "%.6f, %.6f", loc.Lat, loc.Lng)
	} else {
		b.WriteString(LocationUnavailable)
	}
	b.WriteString("\n\nFollow this protocol in order:\n")
	for i, s := range Protocol {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, s.Title, s.Body)
	}
	return b.String()
}

// ReportEmergencyTool declares the report function. emergencyType and
// description are required; everything else is optional.
func ReportEmergencyTool() agent.ToolDefinition {
	return agent.ToolDefinition{
		Name:        ReportToolName,
		Description: "File a structured emergency report once the key details are known.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"emergencyType": {Type: genai.TypeString, Description: "Category, e.g. Fire, Medical, Crime, Accident."},
				"description":   {Type: genai.TypeString, Description: "Short summary of what is happening."},
				"peopleCount":   {Type: genai.TypeInteger, Description: "Number of people involved or injured."},
				"criticalNeeds": {Type: genai.TypeString, Description: "Most urgent needs, e.g. ambulance, fire truck."},
				"locationName":  {Type: genai.TypeString, Description: "Address or landmark named by the caller."},
				"latitude":      {Type: genai.TypeNumber, Description: "Latitude in decimal degrees. Send with longitude."},
				"longitude":     {Type: genai.TypeNumber, Description: "Longitude in decimal degrees. Send with latitude."},
			},
			PropertyOrdering: []string{
				"emergencyType", "description", "peopleCount", "criticalNeeds",
				"locationName", "latitude", "longitude",
			},
			Required: []string{"emergencyType", "description"},
		},
	}
}

// SessionConfig assembles the full agent configuration for one session.
func SessionConfig(loc *geo.Location, voice string, in audio.Format) agent.SessionConfig {
	if voice == "" {
		voice = DefaultVoice
	}
	return agent.SessionConfig{
		Voice:        voice,
		Instructions: Instructions(loc),
		Tools:        []agent.ToolDefinition{ReportEmergencyTool()},
		InputFormat:  in,
	}
}
