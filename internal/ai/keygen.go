package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/parleyhq/parley/pkg/types"
)

// keyMessage is the canonical form a message takes inside a cache key:
// role plus normalized content, timestamps dropped.
type keyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// cacheKey derives the completion cache key from the active provider, the
// normalized conversation, and the options that affect output. Content is
// lower-cased and trimmed so whitespace- or case-only variants share an
// entry; the provider name is folded in so a provider switch can never
// serve another backend's result. Messages are JSON-framed so adjacent
// contents cannot collide across message boundaries.
func cacheKey(providerName string, messages []types.Message, opts types.CompletionOptions) string {
	canonical := make([]keyMessage, len(messages))
	for i, m := range messages {
		canonical[i] = keyMessage{
			Role:    m.Role,
			Content: strings.ToLower(strings.TrimSpace(m.Content)),
		}
	}
	encoded, _ := json.Marshal(canonical)

	var sb strings.Builder
	sb.WriteString("provider:")
	sb.WriteString(providerName)
	sb.WriteString("|messages:")
	sb.Write(encoded)

	if opts.Temperature != nil {
		fmt.Fprintf(&sb, "|temp:%.2f", *opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		fmt.Fprintf(&sb, "|max_tokens:%d", opts.MaxTokens)
	}

	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}
