// Package prompt assembles the system prompt for one planning turn. The
// prompt is layered: situation-specific instructions first and repeated
// last, with persona, role prompts, catalogs, memories, and channel context
// in between.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/schedule"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/store"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// roleTaskSchedule gates on a fetched schedule.json resource; roleTaskSummarize
// switches the summary section to full metadata.
const (
	roleTaskSchedule  = "Task-Schedule"
	roleTaskSummarize = "Task-Summarize"

	scheduleResource = "file:schedule.json"
)

// Sticker is one catalog entry offered to the model.
type Sticker struct {
	SetName     string
	StickerName string
	Description string
	Premium     bool
}

// MediaItem is one Saved Messages cache entry offered to the model.
type MediaItem struct {
	UniqueID    string
	Kind        string
	Description string
}

// Signal tells the builder which situation-specific block to open with.
type Signal struct {
	ConversationStart bool
	XSendIntent       string
	TargetMessage     bool
	ReactionsReceived bool
}

// Input carries everything one prompt needs.
type Input struct {
	AgentName   string
	PartnerName string

	ProviderInstructions string
	AgentInstructions    string
	// RolePrompts in declared order as (name, content) pairs.
	RolePromptNames []string
	RolePrompts     map[string]string

	Signal           Signal
	FetchedResources map[string]string

	Stickers   []Sticker
	HasPremium bool
	Media      []MediaItem

	Memories []store.Memory
	Notes    string

	Now      time.Time
	Timezone *time.Location

	Schedule *schedule.Schedule

	ChatType telegram.ChatType
	Details  *telegram.ChannelDetails

	Summary string

	// Events pending for this conversation, surfaced as self-addressed notes.
	Events []store.Event
}

// Build renders the full system prompt.
func Build(in Input) string {
	var b strings.Builder

	specific := specificInstructions(in)
	writeSection(&b, specific)
	writeSection(&b, in.ProviderInstructions)
	writeSection(&b, in.AgentInstructions)

	for _, name := range in.RolePromptNames {
		content, ok := in.RolePrompts[name]
		if !ok {
			continue
		}
		if name == roleTaskSchedule && !scheduleResourcePresent(in.FetchedResources) {
			continue
		}
		writeSection(&b, content)
	}

	writeSection(&b, stickerCatalog(in))
	writeSection(&b, mediaCatalog(in.Media))
	writeSection(&b, memorySection(in))
	writeSection(&b, eventSection(in.Events))

	loc := in.Timezone
	if loc == nil {
		loc = time.UTC
	}
	writeSection(&b, fmt.Sprintf("The current time is %s.", in.Now.In(loc).Format("Monday, January 2, 2006 at 3:04 PM MST")))
	writeSection(&b, activitySection(in.Schedule, in.Now))
	writeSection(&b, channelSection(in.ChatType, in.Details))
	writeSection(&b, summarySection(in))

	// Repeat the situational block so it sits nearest the model's attention.
	writeSection(&b, specific)

	return substitute(strings.TrimRight(b.String(), "\n"), in.AgentName, in.PartnerName)
}

func writeSection(b *strings.Builder, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	b.WriteString(s)
	b.WriteString("\n\n")
}

// substitute replaces the template placeholders everywhere in the prompt.
func substitute(s, agentName, partnerName string) string {
	s = strings.ReplaceAll(s, "{AgentName}", agentName)
	s = strings.ReplaceAll(s, "{PartnerName}", partnerName)
	return s
}

func specificInstructions(in Input) string {
	switch {
	case in.Signal.XSendIntent != "":
		return fmt.Sprintf("You have decided to reach out to {PartnerName} in this conversation. Your intent: %s. Open or continue the conversation accordingly.", in.Signal.XSendIntent)
	case in.Signal.ConversationStart:
		return "# Start of Conversation\nThis is a brand new conversation with {PartnerName}. Introduce yourself as {AgentName} naturally and see where it goes."
	case in.Signal.ReactionsReceived:
		return "{PartnerName} just reacted to one or more of your messages. Consider whether the reactions call for a response at all; often they do not."
	case in.Signal.TargetMessage:
		return "{PartnerName} just sent you a message. Read the conversation and decide how {AgentName} would respond."
	default:
		return "Review the conversation with {PartnerName} and decide whether anything needs doing."
	}
}

func scheduleResourcePresent(resources map[string]string) bool {
	content, ok := resources[scheduleResource]
	if !ok {
		return false
	}
	return json.Valid([]byte(content))
}

func stickerCatalog(in Input) string {
	var lines []string
	for _, s := range in.Stickers {
		if s.Premium && !in.HasPremium {
			continue
		}
		desc := s.Description
		if desc == "" {
			desc = "(no description)"
		}
		lines = append(lines, fmt.Sprintf("- %q from the set %q: %s", s.StickerName, s.SetName, desc))
	}
	if len(lines) == 0 {
		return ""
	}
	return "# Stickers\nYou can send these stickers with the sticker task:\n" + strings.Join(lines, "\n")
}

func mediaCatalog(items []MediaItem) string {
	if len(items) == 0 {
		return ""
	}
	var lines []string
	for _, m := range items {
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", m.UniqueID, m.Kind, m.Description))
	}
	return "# Media\nYou can send these saved media items with the send_media task:\n" + strings.Join(lines, "\n")
}

func memorySection(in Input) string {
	var lines []string
	for _, m := range in.Memories {
		lines = append(lines, fmt.Sprintf("- [%s] %s", m.ID, m.Content))
	}
	if in.Notes != "" {
		lines = append(lines, "- (note) "+in.Notes)
	}
	if len(lines) == 0 {
		return ""
	}
	return "# Memories\nThings you remember about this conversation:\n" + strings.Join(lines, "\n")
}

func eventSection(events []store.Event) string {
	if len(events) == 0 {
		return ""
	}
	var lines []string
	for _, e := range events {
		lines = append(lines, "- "+e.Payload)
	}
	return "# Messages to Yourself\n" + strings.Join(lines, "\n")
}

func activitySection(sched *schedule.Schedule, now time.Time) string {
	if sched == nil {
		return ""
	}
	current, remaining, next := sched.Current(now)
	if current == nil && next == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Right Now\n")
	if current != nil {
		fmt.Fprintf(&b, "You are currently: %s", current.Name)
		if current.Description != "" {
			fmt.Fprintf(&b, " (%s)", current.Description)
		}
		fmt.Fprintf(&b, ", for about %d more minutes.", int(remaining.Minutes()))
	}
	if next != nil {
		if current != nil {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "Coming up next: %s.", next.Name)
	}
	return b.String()
}

func channelSection(chatType telegram.ChatType, d *telegram.ChannelDetails) string {
	if d == nil {
		return ""
	}
	var lines []string
	if chatType == telegram.ChatUser {
		name := strings.TrimSpace(d.FirstName + " " + d.LastName)
		if name != "" {
			lines = append(lines, "Name: "+name)
		}
		if d.Username != "" {
			lines = append(lines, "Username: @"+d.Username)
		}
		if d.Bio != "" {
			lines = append(lines, "Bio: "+d.Bio)
		}
		if d.Birthday != "" {
			lines = append(lines, "Birthday: "+d.Birthday)
		}
		if d.Phone != "" {
			lines = append(lines, "Phone: "+d.Phone)
		}
	} else {
		if d.Title != "" {
			lines = append(lines, "Title: "+d.Title)
		}
		if d.ParticipantCount > 0 {
			lines = append(lines, fmt.Sprintf("Participants: %d", d.ParticipantCount))
		}
		if d.AdminCount > 0 {
			lines = append(lines, fmt.Sprintf("Admins: %d", d.AdminCount))
		}
		if d.Description != "" {
			lines = append(lines, "Description: "+d.Description)
		}
		if d.PhotoDescription != "" {
			lines = append(lines, "Profile photo: "+d.PhotoDescription)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "# About This Chat\n" + strings.Join(lines, "\n")
}

func summarySection(in Input) string {
	if in.Summary == "" {
		return ""
	}
	if hasRole(in, roleTaskSummarize) {
		return "# Conversation Summary (full metadata)\n" + in.Summary
	}
	return "# Conversation Summary\n" + in.Summary
}

func hasRole(in Input, role string) bool {
	for _, name := range in.RolePromptNames {
		if name == role {
			return true
		}
	}
	return false
}
