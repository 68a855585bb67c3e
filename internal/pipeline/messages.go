package pipeline

import (
	"fmt"
	"strings"

	"github.com/creditbot/internal/aggregate"
)

// NoReferenceReply asks the requester for a dashboard link.
const NoReferenceReply = "⚠️ Please provide a Looker link for processing"

// FailureNotice is the optional public reply for failed messages. It carries
// no internal detail.
const FailureNotice = "⚠️ Processing failed, under review"

func approvedReply(out aggregate.MessageOutcome, category string) string {
	return fmt.Sprintf("Approved, %s, %s", aggregate.FormatUSD(out.Total), category)
}

func failureNotification(msg MessageRecord, out aggregate.MessageOutcome) string {
	var b strings.Builder
	b.WriteString("⚠️ Credit request needs manual review\n")
	fmt.Fprintf(&b, "Message: %s in <#%s>\n", msg.ID, msg.ChannelID)

	switch out.Kind {
	case aggregate.PartialFailure:
		fmt.Fprintf(&b, "Outcome: partial failure, %s from %d of %d dashboards\n",
			aggregate.FormatUSD(out.Total), out.Succeeded, out.Succeeded+out.Failed)
	default:
		fmt.Fprintf(&b, "Outcome: total failure (%s)\n", out.Reason())
	}

	b.WriteString("Failed links:\n")
	for _, d := range out.Failures {
		fmt.Fprintf(&b, "• %s\n", d)
	}
	writeIndeterminate(&b, out)
	b.WriteString("Please review manually.")
	return b.String()
}

func skippedNotification(msg MessageRecord, out aggregate.MessageOutcome) string {
	var b strings.Builder
	b.WriteString("ℹ️ Credit request has no actionable dashboards\n")
	fmt.Fprintf(&b, "Message: %s in <#%s>\n", msg.ID, msg.ChannelID)
	writeIndeterminate(&b, out)
	b.WriteString("Please review manually.")
	return b.String()
}

func writeIndeterminate(b *strings.Builder, out aggregate.MessageOutcome) {
	if len(out.Indeterminate) == 0 {
		return
	}
	b.WriteString("Links that could not be classified:\n")
	for _, d := range out.Indeterminate {
		fmt.Fprintf(b, "• %s\n", d)
	}
}

func dispatchFailureNotification(msg MessageRecord, kind string, err error) string {
	return fmt.Sprintf("⚠️ Could not deliver the %s result\nMessage: %s in <#%s>\nError: %v\nPlease review manually.",
		kind, msg.ID, msg.ChannelID, err)
}
