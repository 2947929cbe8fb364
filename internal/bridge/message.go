// Package bridge implements the broker between the cluster, the editor
// clients, and the external LLM endpoint. It is itself a client of a
// cluster node (classified Microservice), auto-subscribed to every
// document, mirroring document state locally, deduplicating LLM
// responses, and persisting its mirror back to the cluster on a timer.
package bridge

import (
	"strings"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/document"
)

// MessageKind tags the parsed shape of one line the bridge received from
// a cluster node.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindClientSubscribed
	KindDoc
	KindWrite
	KindPromptResponse
	KindRequestFile
	KindPrompt
	KindError
)

// Message is a parsed line from the bridge's cluster connection, carrying
// every field any of its variants might need; only the fields relevant to
// Kind are populated.
type Message struct {
	Kind MessageKind

	Document string
	ClientID string

	Content  string
	StreamID string

	Index string

	Line          string
	Offset        string
	SelectionMode string

	Prompt string

	Err string
}

// ParseMessage splits line on whitespace and classifies it by uppercased
// first token, then fixed positional fields. Document/WRITE content
// fields may themselves contain sentinel tokens (<enter>/<space>) but
// never literal whitespace, so whitespace-splitting is safe.
func ParseMessage(line string) Message {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Message{Kind: KindUnknown}
	}

	switch strings.ToUpper(parts[0]) {
	case "CLIENT-SUBSCRIBED":
		if len(parts) >= 3 {
			return Message{Kind: KindClientSubscribed, Document: parts[1], ClientID: parts[2]}
		}
	case "DOC":
		if len(parts) >= 4 {
			return Message{Kind: KindDoc, Document: parts[1], Content: parts[2], StreamID: parts[3]}
		}
	case "WRITE":
		if len(parts) >= 5 {
			return Message{Kind: KindWrite, Index: parts[1], Content: parts[2], Document: parts[4]}
		}
	case "LLM-RESPONSE":
		// Two shapes: a 3-part whole-file replace, and a 4-part cursor
		// splice whose tagged field "linea:<line>:<offset>" carries both
		// the target line and the column the splice needs.
		if len(parts) == 3 {
			return Message{
				Kind: KindPromptResponse, Document: parts[1], Content: parts[2],
				Line: "0", Offset: "0", SelectionMode: "whole-file",
			}
		}
		if len(parts) >= 4 {
			tag := strings.SplitN(parts[2], ":", 3)
			line, offset := "0", "0"
			if len(tag) >= 2 {
				line = tag[1]
			}
			if len(tag) >= 3 {
				offset = tag[2]
			}
			return Message{
				Kind: KindPromptResponse, Document: parts[1], Content: parts[3],
				Line: line, Offset: offset, SelectionMode: "cursor",
			}
		}
	case "REQUEST-FILE":
		// REQUEST-FILE <doc> <prompt>: a whole-file LLM request published
		// on llm_requests. The prompt travels as a single sentinel-encoded
		// token so free-form text survives the whitespace-delimited wire;
		// ParseMessage decodes it back before returning.
		if len(parts) >= 3 {
			return Message{Kind: KindRequestFile, Document: parts[1], Prompt: document.DecodeLine(parts[2])}
		}
	case "PROMPT":
		// PROMPT <line> <doc> <prompt> <offset> <mode>: a cursor-scoped
		// LLM request.
		if len(parts) >= 6 {
			return Message{
				Kind: KindPrompt, Line: parts[1], Document: parts[2],
				Prompt: document.DecodeLine(parts[3]), Offset: parts[4], SelectionMode: parts[5],
			}
		}
	default:
		if strings.HasPrefix(strings.ToUpper(parts[0]), "-ERR") {
			return Message{Kind: KindError, Err: line}
		}
	}
	return Message{Kind: KindUnknown}
}
