// Package session holds per-conversation state that outlives single
// utterances: the turn history store with TTL eviction, and the context
// builder that assembles a bounded, relevance-ranked message window for each
// generation request.
package session

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aurelo-ai/aurelo/pkg/provider/llm"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common LLM
// tokenizers; good enough for budget enforcement without a tokenizer
// dependency.
const charsPerToken = 4

// Message is one conversation message with the metadata the relevance
// scorer needs.
type Message struct {
	// Role is "user" or "assistant".
	Role string

	// Text is the message content.
	Text string

	// Confidence is the recognition confidence for user messages, in [0, 1].
	// Assistant messages carry 1.
	Confidence float64

	// Time is when the message was produced.
	Time time.Time
}

// Context is the assembled LLM input: an ordered message window, the
// adaptive system prompt, and derived metadata. It is immutable once built.
type Context struct {
	Messages     []llm.Message
	SystemPrompt string

	// Topics and Entities are extracted from the retained window.
	Topics   []string
	Entities []string

	// EstTokens is the estimated token footprint of the window.
	EstTokens int
}

// BuilderConfig holds the context window policy. Zero values are replaced
// with defaults by [NewBuilder].
type BuilderConfig struct {
	// MaxMessages caps the window size. Default: 15.
	MaxMessages int

	// KeepRecent is the number of most recent messages that are always
	// retained regardless of relevance. Default: 5.
	KeepRecent int

	// MinRelevance is the score below which an older message is dropped.
	// Default: 0.3.
	MinRelevance float64

	// MaxTokens is the estimated-token budget for the window. Default: 3000.
	MaxTokens int

	// Extractor derives entities and topics. Default: HeuristicExtractor.
	Extractor Extractor
}

func (c BuilderConfig) withDefaults() BuilderConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = 15
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = 5
	}
	if c.MinRelevance <= 0 {
		c.MinRelevance = 0.3
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 3000
	}
	if c.Extractor == nil {
		c.Extractor = HeuristicExtractor{}
	}
	return c
}

// Builder assembles bounded contexts for generation requests. It holds no
// per-session state and is safe for concurrent use.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder creates a Builder with the supplied policy.
func NewBuilder(cfg BuilderConfig) *Builder {
	return &Builder{cfg: cfg.withDefaults()}
}

// scored pairs a message with its relevance score.
type scored struct {
	msg    Message
	score  float64
	recent bool
}

// Build merges history with the new messages, deduplicates, sorts by
// timestamp, and reduces the result to the configured window: the most
// recent messages are always kept, remaining slots are filled by descending
// relevance, and the token budget is enforced by evicting the lowest-scored
// non-recent messages first.
func (b *Builder) Build(history []Turn, incoming ...Message) Context {
	msgs := b.merge(history, incoming)
	if len(msgs) == 0 {
		return Context{SystemPrompt: b.systemPrompt(0, nil, 0)}
	}

	recentFrom := len(msgs) - b.cfg.KeepRecent
	if recentFrom < 0 {
		recentFrom = 0
	}

	// Score older messages against the recent window.
	refText := joinText(msgs[recentFrom:])
	refEntities := toSet(b.cfg.Extractor.Entities(refText))
	refTopics := toSet(b.cfg.Extractor.Topics(refText))

	oldest, newest := msgs[0].Time, msgs[len(msgs)-1].Time
	all := make([]scored, 0, len(msgs))
	for i, m := range msgs {
		s := scored{msg: m, recent: i >= recentFrom}
		if s.recent {
			s.score = 1
		} else {
			s.score = b.relevance(m, refEntities, refTopics, oldest, newest)
		}
		all = append(all, s)
	}

	kept := b.reduce(all)

	// Restore chronological order.
	sort.Slice(kept, func(i, j int) bool { return kept[i].msg.Time.Before(kept[j].msg.Time) })

	out := Context{Messages: make([]llm.Message, 0, len(kept))}
	var confSum float64
	var confN int
	for _, s := range kept {
		out.Messages = append(out.Messages, llm.Message{Role: s.msg.Role, Content: s.msg.Text})
		out.EstTokens += estimateTokens(s.msg)
		if s.msg.Role == llm.RoleUser {
			confSum += s.msg.Confidence
			confN++
		}
	}

	windowText := joinTextScored(kept)
	out.Entities = b.cfg.Extractor.Entities(windowText)
	out.Topics = b.cfg.Extractor.Topics(windowText)

	avgConf := 1.0
	if confN > 0 {
		avgConf = confSum / float64(confN)
	}
	out.SystemPrompt = b.systemPrompt(avgConf, out.Topics, len(kept))
	return out
}

// merge flattens history turns and incoming messages into one deduplicated,
// time-ordered list.
func (b *Builder) merge(history []Turn, incoming []Message) []Message {
	msgs := make([]Message, 0, 2*len(history)+len(incoming))
	for _, t := range history {
		if t.UserText != "" {
			msgs = append(msgs, Message{Role: llm.RoleUser, Text: t.UserText, Confidence: t.Confidence, Time: t.Time})
		}
		if t.AssistantText != "" {
			msgs = append(msgs, Message{Role: llm.RoleAssistant, Text: t.AssistantText, Confidence: 1, Time: t.Time.Add(time.Millisecond)})
		}
	}
	msgs = append(msgs, incoming...)

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Time.Before(msgs[j].Time) })

	deduped := msgs[:0]
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		key := m.Role + "\x00" + m.Text
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, m)
	}
	return deduped
}

// relevance scores an older message in [0, 1] from its recency, its entity
// and topic overlap with the recent window, and its recognition confidence.
func (b *Builder) relevance(m Message, refEntities, refTopics map[string]bool, oldest, newest time.Time) float64 {
	recency := 1.0
	if span := newest.Sub(oldest); span > 0 {
		recency = float64(m.Time.Sub(oldest)) / float64(span)
	}

	entities := overlap(b.cfg.Extractor.Entities(m.Text), refEntities)
	topics := overlap(b.cfg.Extractor.Topics(m.Text), refTopics)

	conf := m.Confidence
	if m.Role == llm.RoleAssistant {
		conf = 1
	}

	return 0.35*recency + 0.25*entities + 0.2*topics + 0.2*conf
}

// reduce applies the relevance floor, the message cap, and the token budget.
// Recent messages survive every cut.
func (b *Builder) reduce(all []scored) []scored {
	kept := make([]scored, 0, len(all))
	for _, s := range all {
		if s.recent || s.score >= b.cfg.MinRelevance {
			kept = append(kept, s)
		}
	}

	if len(kept) > b.cfg.MaxMessages {
		// Sort a copy by score so the cut keeps the best; ties favour newer.
		byScore := make([]scored, len(kept))
		copy(byScore, kept)
		sort.SliceStable(byScore, func(i, j int) bool {
			if byScore[i].recent != byScore[j].recent {
				return byScore[i].recent
			}
			if byScore[i].score != byScore[j].score {
				return byScore[i].score > byScore[j].score
			}
			return byScore[i].msg.Time.After(byScore[j].msg.Time)
		})
		kept = byScore[:b.cfg.MaxMessages]
	}

	// Token budget: evict the lowest-scored non-recent message until the
	// estimate fits.
	for {
		total := 0
		for _, s := range kept {
			total += estimateTokens(s.msg)
		}
		if total <= b.cfg.MaxTokens {
			return kept
		}
		victim := -1
		for i, s := range kept {
			if s.recent {
				continue
			}
			if victim < 0 || s.score < kept[victim].score {
				victim = i
			}
		}
		if victim < 0 {
			return kept
		}
		kept = append(kept[:victim], kept[victim+1:]...)
	}
}

// systemPrompt produces the adaptive system prompt. Low recognition
// confidence asks the model to tolerate transcription noise; detected topics
// anchor the reply; long conversations get a brevity nudge.
func (b *Builder) systemPrompt(avgConfidence float64, topics []string, msgCount int) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful voice assistant in a real-time spoken conversation. " +
		"Reply conversationally and keep answers concise enough to speak aloud.")

	if msgCount > 0 && avgConfidence < 0.75 {
		sb.WriteString(" The user's speech transcription may contain recognition errors; " +
			"infer intent charitably and ask for clarification only when truly ambiguous.")
	}
	if len(topics) > 0 {
		sb.WriteString(fmt.Sprintf(" The conversation so far has centred on: %s.", strings.Join(topics, ", ")))
	}
	if msgCount > 10 {
		sb.WriteString(" This is an extended conversation; avoid repeating earlier explanations.")
	}
	return sb.String()
}

// estimateTokens returns a rough token count using the
// 1-token-per-4-characters heuristic.
func estimateTokens(m Message) int {
	chars := len(m.Text) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

func joinText(msgs []Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Text
	}
	return strings.Join(parts, " ")
}

func joinTextScored(msgs []scored) string {
	parts := make([]string, len(msgs))
	for i, s := range msgs {
		parts[i] = s.msg.Text
	}
	return strings.Join(parts, " ")
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[strings.ToLower(it)] = true
	}
	return set
}

// overlap returns the fraction of items present in ref.
func overlap(items []string, ref map[string]bool) float64 {
	if len(items) == 0 || len(ref) == 0 {
		return 0
	}
	hits := 0
	for _, it := range items {
		if ref[strings.ToLower(it)] {
			hits++
		}
	}
	return float64(hits) / float64(len(items))
}
