package memory

import "time"

// Config tunes the coordinator and context assembly.
type Config struct {
	PreferredBackend string
	SecondaryBackend string

	// ContextTimeout bounds each buildContext branch independently.
	ContextTimeout time.Duration
	// KeywordWindow is how many recent turns keyword fallback scans.
	KeywordWindow int

	FactThreshold         float64
	FactTopK              int
	ConversationThreshold float64
	ConversationTopK      int

	MaxConversationSnippets int
	SnippetChars            int
	DedupPrefix             int

	// QuestionPhrases mark a conversation entry as a question the user asked
	// rather than information they gave. Matched as a prefix, case-insensitive.
	QuestionPhrases []string
}

// DefaultQuestionPhrases is the phrase list used when Config leaves it empty.
var DefaultQuestionPhrases = []string{
	"what is my",
	"what's my",
	"what was my",
	"what are my",
	"what were my",
	"who is my",
	"who's my",
	"where is my",
	"when is my",
	"do you remember",
	"do you know",
	"can you remember",
	"tell me about",
	"remind me",
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PreferredBackend:        "pgvector",
		SecondaryBackend:        "chromem",
		ContextTimeout:          8 * time.Second,
		KeywordWindow:           200,
		FactThreshold:           0.3,
		FactTopK:                10,
		ConversationThreshold:   0.5,
		ConversationTopK:        15,
		MaxConversationSnippets: 5,
		SnippetChars:            300,
		DedupPrefix:             100,
		QuestionPhrases:         DefaultQuestionPhrases,
	}
}

// withDefaults fills zero fields from DefaultConfig. Backend names are left
// as given so an empty secondary stays disabled.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ContextTimeout <= 0 {
		c.ContextTimeout = d.ContextTimeout
	}
	if c.KeywordWindow <= 0 {
		c.KeywordWindow = d.KeywordWindow
	}
	if c.FactThreshold == 0 {
		c.FactThreshold = d.FactThreshold
	}
	if c.FactTopK <= 0 {
		c.FactTopK = d.FactTopK
	}
	if c.ConversationThreshold == 0 {
		c.ConversationThreshold = d.ConversationThreshold
	}
	if c.ConversationTopK <= 0 {
		c.ConversationTopK = d.ConversationTopK
	}
	if c.MaxConversationSnippets <= 0 {
		c.MaxConversationSnippets = d.MaxConversationSnippets
	}
	if c.SnippetChars <= 0 {
		c.SnippetChars = d.SnippetChars
	}
	if c.DedupPrefix <= 0 {
		c.DedupPrefix = d.DedupPrefix
	}
	if len(c.QuestionPhrases) == 0 {
		c.QuestionPhrases = d.QuestionPhrases
	}
	return c
}
