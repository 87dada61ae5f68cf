// Package prompt assembles the instruction, knowledge and history payload
// sent to the model.
package prompt

import (
	"strings"

	"github.com/ent0n29/ragchat/internal/llm"
	"github.com/ent0n29/ragchat/internal/memory"
	"github.com/ent0n29/ragchat/internal/retrieval"
)

// DefaultInstructions orders the sources the model should draw on. Retrieved
// knowledge augments an answer; it never gates one.
const DefaultInstructions = `You are a helpful assistant. When answering, follow this policy in order:
1. Answer general-knowledge questions (arithmetic, common facts) directly from your own knowledge.
2. For domain-specific questions, prefer the knowledge base content supplied with the question.
3. If the knowledge base has nothing relevant, look for related information earlier in this conversation.
4. If neither helps, give an accurate, useful answer from your general knowledge.
5. Only as a last resort, say you cannot answer and ask the user for more detail.
Never refuse a basic question just because the knowledge base returned nothing.`

const knowledgeHeader = "Knowledge base content:\n"

// Prompt is the assembled model input.
type Prompt struct {
	System  string
	Context string
	History []memory.Turn
	Query   string
}

// Assembler builds prompts. The zero value uses DefaultInstructions.
type Assembler struct {
	Instructions string
}

func NewAssembler(instructions string) *Assembler {
	return &Assembler{Instructions: instructions}
}

// Build assembles a prompt. Explicit instructions win over the assembler's
// own; an empty snippet list produces no knowledge block at all.
func (a *Assembler) Build(query string, snippets []retrieval.Snippet, instructions string, history []memory.Turn) Prompt {
	system := strings.TrimSpace(instructions)
	if system == "" && a != nil {
		system = strings.TrimSpace(a.Instructions)
	}
	if system == "" {
		system = DefaultInstructions
	}
	return Prompt{
		System:  system,
		Context: knowledgeBlock(snippets),
		History: history,
		Query:   strings.TrimSpace(query),
	}
}

func knowledgeBlock(snippets []retrieval.Snippet) string {
	texts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		if t := strings.TrimSpace(s.Text); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return ""
	}
	return knowledgeHeader + strings.Join(texts, "\n\n") + "\n\n"
}

// UserContent is the final user message: knowledge block, then the query.
func (p Prompt) UserContent() string {
	return p.Context + p.Query
}

// Messages flattens the prompt into the ordered model conversation. Pinned
// turns from history are merged into the system message.
func (p Prompt) Messages() []llm.Message {
	system := p.System
	out := make([]llm.Message, 0, len(p.History)+2)
	for _, t := range p.History {
		switch t.Role {
		case memory.RoleSystem:
			if text := strings.TrimSpace(t.Text); text != "" {
				system += "\n\n" + text
			}
		case memory.RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: t.Text})
		case memory.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: t.Text})
		case memory.RoleTool:
			// Tool output has no role of its own in the request format.
			if t.Text != "" {
				out = append(out, llm.Message{Role: llm.RoleAssistant, Content: t.Text})
			}
		}
	}
	msgs := make([]llm.Message, 0, len(out)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	msgs = append(msgs, out...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: p.UserContent()})
	return msgs
}
