package broker

import (
	"fmt"
	"strings"

	"github.com/zulandar/seshat/internal/models"
)

// helpHint is appended to replies that leave the operator with a next step.
const helpHint = " Send '!HELP' for more options."

// Notices queued for the visitor.
const (
	NoticeRequested   = "Your chat request has been sent. Please wait while it is answered."
	NoticeStarted     = "Your chat has started."
	NoticeCancelled   = "Your chat was canceled."
	NoticeClosed      = "The chat is now closed."
	NoticeUnavailable = "No one is available to answer your chat request right now."
	NoticeExpired     = "No one answered your chat request in time. Please try again later."
)

// FormatAnnouncement renders the broadcast sent to operators when a new
// session starts waiting. others lists the other operators who received it.
func FormatAnnouncement(s models.Session, others []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New chat request #%d from '%s'.", s.ChatID, s.VisitorLabel)
	if s.StartMessage != "" {
		fmt.Fprintf(&b, " The starting message is: '%s'.", s.StartMessage)
	}
	fmt.Fprintf(&b, " To accept it, reply with '!ACCEPT %d'.", s.ChatID)
	if len(others) > 0 {
		fmt.Fprintf(&b, " Requests were also sent to: %s.", strings.Join(others, ", "))
	}
	return b.String()
}

// FormatWaiting renders the list of WAITING sessions as a small table.
func FormatWaiting(sessions []models.Session) string {
	if len(sessions) == 0 {
		return "There aren't any open chat requests."
	}
	var b strings.Builder
	b.WriteString("Chats waiting to be accepted:\n\n")
	b.WriteString("ID | Visitor\n")
	b.WriteString("---|------------------\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "%d | %s\n", s.ChatID, s.VisitorLabel)
	}
	b.WriteString("\nSend '!ACCEPT n' to take one.")
	return b.String()
}

// FormatOnline renders the list of online operators.
func FormatOnline(online []string) string {
	if len(online) == 0 {
		return "No operators are online."
	}
	return "Operators online: " + strings.Join(online, ", ") + "."
}

// excluding returns list without addr, preserving order.
func excluding(list []string, addr string) []string {
	var out []string
	for _, x := range list {
		if x != addr {
			out = append(out, x)
		}
	}
	return out
}
