// Package chat implements the conversation session controller: it polls the
// agent API, reconciles the conversation and derives the UI state.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/google/uuid"
)

// keyPrefixLen is how much of the content goes into a derived message key.
const keyPrefixLen = 32

var actorFields = []string{"actor", "role", "sender"}

// Normalize converts one backend record into a display-ready Message. It is a
// pure function of raw and position.
func Normalize(raw domain.RawMessage, position int) domain.Message {
	m := domain.Message{
		ID:       stringField(raw, "id"),
		Actor:    normalizeActor(raw),
		Response: cloneRaw(raw["response"]),
	}

	if content, ok := raw["content"]; ok {
		if s, isString := decodeString(content); isString && s != "" {
			m.Content = s
		}
	}
	if m.Content == "" {
		if m.Actor == domain.ActorAgent {
			m.Content = agentContent(m.Response)
		} else {
			m.Content = userContent(raw)
		}
	}

	m.Key = m.ID
	if m.Key == "" {
		m.Key = derivedKey(m.Actor, position, m.Content)
	}
	return m
}

// NormalizeAll normalizes a fetched conversation in order.
func NormalizeAll(raws []domain.RawMessage) []domain.Message {
	msgs := make([]domain.Message, 0, len(raws))
	for i, raw := range raws {
		msgs = append(msgs, Normalize(raw, i))
	}
	return msgs
}

// Raw turns a normalized message back into a backend-shaped record.
func Raw(m domain.Message) domain.RawMessage {
	raw := domain.RawMessage{}
	if m.ID != "" {
		raw["id"], _ = json.Marshal(m.ID)
	}
	raw["actor"], _ = json.Marshal(string(m.Actor))
	raw["content"], _ = json.Marshal(m.Content)
	if len(m.Response) > 0 {
		raw["response"] = cloneRaw(m.Response)
	}
	return raw
}

func normalizeActor(raw domain.RawMessage) domain.Actor {
	for _, field := range actorFields {
		s := strings.TrimSpace(stringField(raw, field))
		if s == "" {
			continue
		}
		switch strings.ToLower(s) {
		case "agent", "assistant", "bot":
			return domain.ActorAgent
		case "user":
			return domain.ActorUser
		}
		return domain.Actor(s)
	}
	return domain.ActorSystem
}

func derivedKey(actor domain.Actor, position int, content string) string {
	prefix := []rune(content)
	if len(prefix) > keyPrefixLen {
		prefix = prefix[:keyPrefixLen]
	}
	name := fmt.Sprintf("%s|%d|%s", actor, position, string(prefix))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// agentContent derives display text from an agent response payload.
func agentContent(resp json.RawMessage) string {
	if isEmptyJSON(resp) {
		return ""
	}

	obj, p := parseObject(resp)
	if obj == nil {
		return p.literal
	}

	for _, field := range []string{"content", "text", "response"} {
		if s, ok := obj[field].(string); ok && s != "" {
			return s
		}
	}
	if next, _ := obj["next"].(string); next == string(domain.NextQuestion) {
		if v, ok := obj["response"]; ok && v != nil {
			return stringify(v)
		}
	}
	return prettyJSON(obj)
}

// userContent derives display text for non-agent turns: text, then the
// stringified response.
func userContent(raw domain.RawMessage) string {
	if s := stringField(raw, "text"); s != "" {
		return s
	}
	resp := raw["response"]
	if isEmptyJSON(resp) {
		return ""
	}
	if s, ok := decodeString(resp); ok {
		return s
	}
	return compactJSON(resp)
}

// ParsedResponse is the interpreted form of an agent response payload.
type ParsedResponse struct {
	Next   domain.NextStep
	Tool   string
	Args   map[string]any
	Fields map[string]any
	// Plain is set when the payload was not a JSON object at all.
	Plain bool
	// Malformed is set when the payload looked like a JSON object but did not parse.
	Malformed bool
}

type parseInfo struct {
	literal   string
	plain     bool
	malformed bool
}

// parseObject decodes resp into an object, unwrapping string-encoded JSON.
// When resp is not an object, obj is nil and the literal text is returned.
func parseObject(resp json.RawMessage) (map[string]any, parseInfo) {
	trimmed := bytes.TrimSpace(resp)
	if s, ok := decodeString(trimmed); ok {
		inner := strings.TrimSpace(s)
		if !looksLikeObject(inner) {
			return nil, parseInfo{literal: s, plain: true}
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(inner), &obj); err != nil {
			return nil, parseInfo{literal: s, malformed: true}
		}
		return obj, parseInfo{}
	}

	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, parseInfo{literal: string(trimmed), malformed: true}
		}
		return obj, parseInfo{}
	}

	// Arrays, numbers and bare text are displayed as-is.
	return nil, parseInfo{literal: string(trimmed), plain: true}
}

// ParseResponse interprets an agent response payload.
func ParseResponse(resp json.RawMessage) ParsedResponse {
	if isEmptyJSON(resp) {
		return ParsedResponse{Plain: true}
	}
	obj, p := parseObject(resp)
	if obj == nil {
		return ParsedResponse{Plain: p.plain, Malformed: p.malformed}
	}

	pr := ParsedResponse{Fields: obj}
	if next, ok := obj["next"].(string); ok {
		pr.Next = domain.NextStep(next)
	}
	if tool, ok := obj["tool"].(string); ok {
		pr.Tool = tool
	}
	if args, ok := obj["args"].(map[string]any); ok {
		pr.Args = args
	}
	return pr
}

// HasChanged reports whether next differs from prev in length or in any
// message's id, content or serialized response at the same position.
func HasChanged(prev, next []domain.Message) bool {
	if len(prev) != len(next) {
		return true
	}
	for i := range prev {
		a, b := prev[i], next[i]
		if a.ID != b.ID || a.Content != b.Content {
			return true
		}
		if !bytes.Equal(canonicalJSON(a.Response), canonicalJSON(b.Response)) {
			return true
		}
	}
	return false
}

// IsDone reports whether last is an agent turn that resolved to done.
// Plain-text and unparseable responses count as done.
func IsDone(last *domain.Message) bool {
	if last == nil || last.Actor != domain.ActorAgent {
		return false
	}
	p := ParseResponse(last.Response)
	if p.Plain || p.Malformed {
		return true
	}
	return p.Next == domain.NextDone
}

// PendingConfirm reports whether last is an agent turn asking to confirm a
// tool call, and returns the tool name.
func PendingConfirm(last *domain.Message) (string, bool) {
	if last == nil || last.Actor != domain.ActorAgent {
		return "", false
	}
	p := ParseResponse(last.Response)
	if !p.Next.IsConfirm() {
		return "", false
	}
	return p.Tool, true
}

// AwaitingParameter reports whether the most recent agent turn is asking the
// user to confirm a tempo value.
func AwaitingParameter(msgs []domain.Message) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Actor != domain.ActorAgent {
			continue
		}
		content := strings.ToLower(msgs[i].Content)
		return strings.Contains(content, "tempo") && strings.Contains(content, "bpm")
	}
	return false
}

var numericReply = regexp.MustCompile(`^\d+$`)

// IsNumericReply reports whether text is a bare number.
func IsNumericReply(text string) bool {
	return numericReply.MatchString(strings.TrimSpace(text))
}

// LastMessage returns the final message or nil.
func LastMessage(msgs []domain.Message) *domain.Message {
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[len(msgs)-1]
}

// LoopDetector counts consecutive polls whose last message serializes to the
// same bytes. It fires once when the count reaches the threshold and stays
// quiet until the last message changes or Reset is called.
type LoopDetector struct {
	threshold int
	last      []byte
	count     int
	fired     bool
}

// NewLoopDetector creates a detector that fires after threshold identical polls.
func NewLoopDetector(threshold int) *LoopDetector {
	return &LoopDetector{threshold: threshold}
}

// Observe records one poll's last message and reports whether the loop
// threshold was just reached.
func (d *LoopDetector) Observe(last *domain.Message) bool {
	if last == nil {
		d.Reset()
		return false
	}
	b, err := json.Marshal(last)
	if err != nil {
		d.Reset()
		return false
	}

	if d.count > 0 && bytes.Equal(b, d.last) {
		d.count++
	} else {
		d.last = b
		d.count = 1
		d.fired = false
	}

	if d.count >= d.threshold && !d.fired {
		d.fired = true
		return true
	}
	return false
}

// Count returns the current run of identical polls.
func (d *LoopDetector) Count() int { return d.count }

// Reset forgets the observed run.
func (d *LoopDetector) Reset() {
	d.last = nil
	d.count = 0
	d.fired = false
}

func stringField(raw domain.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	if s, isString := decodeString(v); isString {
		return s
	}
	// Numeric ids are common; keep their literal form.
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) > 0 && (trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')) {
		return string(trimmed)
	}
	return ""
}

func decodeString(v json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}

func looksLikeObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func isEmptyJSON(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if isEmptyJSON(v) {
		return nil
	}
	return append(json.RawMessage(nil), v...)
}

func canonicalJSON(v json.RawMessage) []byte {
	if len(v) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}

func compactJSON(v json.RawMessage) string {
	return string(canonicalJSON(v))
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func prettyJSON(obj map[string]any) string {
	b, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Sprint(obj)
	}
	return string(b)
}
