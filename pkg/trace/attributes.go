package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys recorded on call spans and events.
const (
	AttrConversationID = "call.conversation_id"
	AttrDialect        = "call.dialect"
	AttrMediaFormat    = "call.media_format"
	AttrBotName        = "call.bot_name"
	AttrCaller         = "call.caller"
	AttrStreamSid      = "call.stream_sid"
	AttrEndReason      = "call.end_reason"

	AttrLLMModel = "llm.model"
)

// CallAttrs identifies a call on a span or event.
func CallAttrs(conversationID, dialect string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConversationID, conversationID),
		attribute.String(AttrDialect, dialect),
	}
}
