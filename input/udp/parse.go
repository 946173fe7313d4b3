package udp

import "strings"

// Commands accepted on the wire. Unknown first tokens default to publish and
// count as part of the topic.
const (
	CommandPublish = "publish"
	CommandRetain  = "retain"
)

// Message is one parsed datagram.
type Message struct {
	Command string
	Topic   string
	Payload string
}

// Parse splits a datagram line into command, topic, and payload. It returns
// false when the line cannot yield a non-empty topic and payload.
//
// Rules, in order:
//   - A leading "publish" or "retain" (case-insensitive) is the command;
//     anything else means publish and stays part of the topic/payload text.
//   - If a '{' appears, everything from it onward is the payload and
//     everything before it is the topic.
//   - Otherwise tokens split on whitespace. With exactly two, they are topic
//     and payload. With more, tokens stay in the topic while they contain a
//     slash or sit between two slash-bearing tokens; the remainder is the
//     payload.
func Parse(line string) (Message, bool) {
	msg := strings.TrimSpace(line)
	if msg == "" {
		return Message{}, false
	}

	command := CommandPublish
	rest := msg

	first := msg
	remainder := ""
	if idx := strings.IndexAny(msg, " \t"); idx != -1 {
		first = msg[:idx]
		remainder = msg[idx+1:]
	}
	switch strings.ToLower(first) {
	case CommandPublish, CommandRetain:
		command = strings.ToLower(first)
		rest = strings.TrimSpace(remainder)
	}
	if rest == "" {
		return Message{}, false
	}

	if brace := strings.Index(rest, "{"); brace != -1 {
		topic := strings.TrimRight(rest[:brace], " \t")
		payload := strings.TrimSpace(rest[brace:])
		if topic == "" || payload == "" {
			return Message{}, false
		}
		return Message{Command: command, Topic: topic, Payload: payload}, true
	}

	tokens := strings.Fields(rest)
	if len(tokens) < 2 {
		return Message{}, false
	}
	if len(tokens) == 2 {
		return Message{Command: command, Topic: tokens[0], Payload: tokens[1]}, true
	}

	hasSlash := func(s string) bool { return strings.Contains(s, "/") }

	// Greedy topic recovery: the first token always belongs to the topic,
	// the last always to the payload.
	split := 1
	for split < len(tokens)-1 {
		current := hasSlash(tokens[split])
		sandwiched := hasSlash(tokens[split-1]) && hasSlash(tokens[split+1])
		if !current && !sandwiched {
			break
		}
		split++
	}

	topic := strings.Join(tokens[:split], " ")
	payload := strings.Join(tokens[split:], " ")
	return Message{Command: command, Topic: topic, Payload: payload}, true
}
