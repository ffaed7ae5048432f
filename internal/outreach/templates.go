package outreach

import (
	"strings"

	"github.com/minutely/outreach/internal/classify"
)

// ConnectionNoteMaxChars is the platform's hard cap on connection notes.
const ConnectionNoteMaxChars = 300

// Connection requests carry text only; the demo video is teased here and
// attached to the first message after the connection is accepted.
var connectionNoteTemplates = map[string]string{
	classify.IndustrySports: "Hi {name}, saw the work at {company}. We help sports leagues " +
		"verticalize highlights instantly for better yield. " +
		"Would love to share a quick 30s demo!",
	classify.IndustryNews: "Hi {name}, for publishers, breaking news needs to be vertical fast. " +
		"Minute.ly automates this. Happy to share a quick demo!",
	classify.IndustryEntertainment: "Hi {name}, saw {company}'s content strategy. Minute.ly turns " +
		"horizontal video into vertical instantly, boosting engagement. " +
		"Happy to share a quick demo!",
}

// Message 1 (video hook) goes out with the demo video attached inline.
var message1Templates = map[string]string{
	classify.IndustrySports: "Hi {name}, great to connect! I wanted to show you our H2V AI " +
		"model that converts horizontal videos to vertical.\n" +
		"Fox, Paramount, Univision and sports leagues are using it " +
		"and it works like a charm.\n" +
		"Here's a 30s demo I attached below!",
	classify.IndustryNews: "Hi {name}, great to connect! For publishers, breaking news " +
		"needs to be vertical fast. Our H2V AI model automates this.\n" +
		"Fox, Paramount, and Univision are already using it.\n" +
		"I attached a 30s demo below!",
	classify.IndustryEntertainment: "Hi {name}, great to connect! I wanted to show you our H2V AI " +
		"model that converts horizontal video to vertical instantly.\n" +
		"Fox, Paramount, Univision are using it and it works like a " +
		"charm.\nAttached a quick 30s demo!",
}

const message2Template = "Hi {name}, just checking if you got a chance to watch the demo? " +
	"No pressure, just thought the verticalization angle fit your goals."

// Batch initial templates are the cold-outreach variants shown in the
// daily review UI; unlike message 1 they do not assume a fresh connect.
var batchInitialTemplates = map[string]string{
	classify.IndustrySports: "Hi {name}, I came across your work at {company} and wanted to share " +
		"something relevant. We built an H2V AI model that verticalizes " +
		"horizontal sports content in seconds, already used by Fox, Paramount, " +
		"and Univision. Attached a 30s demo. Would love to hear your thoughts!",
	classify.IndustryNews: "Hi {name}, for news publishers, breaking stories need to go vertical " +
		"fast. We built an H2V AI model that does this automatically, already " +
		"used by Fox, Paramount, and Univision. Attached a quick demo!",
	classify.IndustryEntertainment: "Hi {name}, saw {company}'s content strategy. We built an H2V AI model " +
		"that turns horizontal video into vertical automatically, boosting " +
		"engagement across platforms. Used by Fox, Paramount, Univision. " +
		"Attached a demo!",
	classify.IndustryUnknown: "Hi {name}, wanted to share something we built, an AI model that " +
		"verticalizes horizontal video instantly. Already used by Fox, Paramount, " +
		"and Univision. Attached a quick 30s demo!",
}

const batchFollowupTemplate = "Hi {name}, just checking if you got a chance to watch the demo? " +
	"No pressure, just thought the verticalization angle fit your goals."

func render(template, name, company string) string {
	if company == "" {
		company = "your company"
	}
	return strings.NewReplacer("{name}", name, "{company}", company).Replace(template)
}

// BuildConnectionNote personalizes the connection request note for the
// industry, truncated to the 300-character platform limit. Unknown falls
// back to the Entertainment variant, which never names the industry.
func BuildConnectionNote(name, company, industry string) string {
	t, ok := connectionNoteTemplates[industry]
	if !ok {
		t = connectionNoteTemplates[classify.IndustryEntertainment]
	}
	note := render(t, name, company)
	if len(note) > ConnectionNoteMaxChars {
		note = note[:ConnectionNoteMaxChars-3] + "..."
	}
	return note
}

// BuildMessage1 builds the video hook sent after a connection is accepted.
func BuildMessage1(name, company, industry string) string {
	t, ok := message1Templates[industry]
	if !ok {
		t = message1Templates[classify.IndustryEntertainment]
	}
	return render(t, name, company)
}

// BuildMessage2 builds the gentle nudge sent when message 1 got no reply.
// Text only; the follow-up never re-attaches the video.
func BuildMessage2(name string) string {
	return render(message2Template, name, "")
}

// BuildInitialMessage builds the cold initial message used by the daily
// batch flow.
func BuildInitialMessage(name, company, industry string) string {
	t, ok := batchInitialTemplates[industry]
	if !ok {
		t = batchInitialTemplates[classify.IndustryUnknown]
	}
	return render(t, name, company)
}

// BuildFollowupMessage builds the default follow-up for the batch flow.
func BuildFollowupMessage(name string) string {
	return render(batchFollowupTemplate, name, "")
}

// Template is the raw (unrendered) form exposed on the API so the review
// UI can show what will be sent.
type Template struct {
	MessageType string `json:"message_type"`
	Industry    string `json:"industry"`
	Content     string `json:"content"`
}

// Templates lists the batch templates, optionally filtered by message
// type and industry. Order is stable: initial first, then followup.
func Templates(messageType, industry string) []Template {
	out := []Template{}
	if messageType == "" || messageType == "initial" {
		for _, ind := range []string{
			classify.IndustrySports,
			classify.IndustryNews,
			classify.IndustryEntertainment,
			classify.IndustryUnknown,
		} {
			if industry != "" && industry != ind {
				continue
			}
			out = append(out, Template{MessageType: "initial", Industry: ind, Content: batchInitialTemplates[ind]})
		}
	}
	if messageType == "" || messageType == "followup" {
		if industry == "" || industry == "default" {
			out = append(out, Template{MessageType: "followup", Industry: "default", Content: batchFollowupTemplate})
		}
	}
	return out
}
