package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/companion/internal/brain"
	"github.com/aiox-platform/companion/internal/identity"
	"github.com/aiox-platform/companion/internal/memory"
	inats "github.com/aiox-platform/companion/internal/nats"
	"github.com/aiox-platform/companion/internal/turns"
)

// runTurn processes one user message. It runs on its own goroutine and
// reports progress to the loop through commands.
func (o *Orchestrator) runTurn(ctx context.Context, t *turn) turnResult {
	history := o.loadHistory(ctx)

	// Context is built before the user turn is recorded so the utterance
	// cannot come back as its own memory.
	memoryContext, _ := o.deps.Memory.BuildContext(ctx, o.ownerID, t.userText)

	// The user turn is durable before generation starts.
	if _, err := o.deps.Memory.StoreConversationTurn(ctx, o.ownerID, o.conversationID, turns.RoleUser, t.userText, nil); err != nil {
		if ctx.Err() != nil {
			return turnResult{interrupted: true}
		}
		return turnResult{err: fmt.Errorf("persisting user turn: %w", err)}
	}
	o.appendHistory(ctx, turns.RoleUser, t.userText)

	master, prefs := o.loadIdentity(ctx)
	msgs := Messages(SystemPrompt(master, prefs, memoryContext), history, t.userText)

	stream, err := o.deps.Brain.GenerateStreaming(ctx, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return turnResult{interrupted: true}
		}
		return turnResult{err: fmt.Errorf("starting generation: %w", err)}
	}

	sr := o.stream(ctx, t, stream)
	text := sr.text

	if ctx.Err() != nil {
		o.recordPartial(ctx, t, text)
		return turnResult{text: text, interrupted: true}
	}
	if sr.genErr != nil {
		o.recordPartial(ctx, t, text)
		return turnResult{text: text, err: fmt.Errorf("generating reply: %w", sr.genErr)}
	}
	if sr.speakErr != nil {
		o.recordPartial(ctx, t, text)
		return turnResult{text: text, err: fmt.Errorf("speaking reply: %w", sr.speakErr)}
	}

	res := turnResult{text: text}
	if text == "" {
		return res
	}

	o.appendHistory(ctx, turns.RoleAssistant, text)
	saved, err := o.deps.Memory.StoreConversationTurn(ctx, o.ownerID, o.conversationID, turns.RoleAssistant, text, nil)
	if err != nil {
		slog.Warn("conversation: persisting assistant turn failed", "conversation_id", o.conversationID, "error", err)
	} else {
		res.turnID = &saved.ID
	}
	o.publish(ctx, inats.OutcomeCompleted, t.userText, text, res.turnID)
	return res
}

type streamResult struct {
	text     string
	genErr   error
	speakErr error
}

// stream forwards reply chunks to observers and the speech pipeline, and
// waits for playback to finish. Cancelling ctx stops both.
func (o *Orchestrator) stream(ctx context.Context, t *turn, chunks <-chan brain.Chunk) streamResult {
	var (
		text     strings.Builder
		genErr   error
		started  bool
		speech   = make(chan string, 64)
		speakErr = make(chan error, 1)
	)

loop:
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			if c.Err != nil {
				genErr = c.Err
				break loop
			}
			if c.Text == "" {
				continue
			}
			if !started {
				started = true
				go func() { speakErr <- o.deps.Voice.SpeakStream(ctx, speech) }()
				o.send(command{kind: cmdFirstToken, turn: t})
			}
			text.WriteString(c.Text)
			o.send(command{kind: cmdChunk, turn: t, text: c.Text})
			select {
			case speech <- c.Text:
			case <-ctx.Done():
				break loop
			}
		case <-ctx.Done():
			break loop
		}
	}
	close(speech)

	res := streamResult{text: text.String(), genErr: genErr}
	if started {
		res.speakErr = <-speakErr
	}
	return res
}

func (o *Orchestrator) loadHistory(ctx context.Context) []memory.ConversationEntry {
	if o.deps.History == nil {
		return nil
	}
	h, err := o.deps.History.Recent(ctx, o.ownerID, o.conversationID, o.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("conversation: loading session history failed", "conversation_id", o.conversationID, "error", err)
		return nil
	}
	return h
}

func (o *Orchestrator) appendHistory(ctx context.Context, role turns.Role, content string) {
	if o.deps.History == nil {
		return
	}
	entry := memory.ConversationEntry{Role: string(role), Content: content, Timestamp: time.Now().UTC()}
	if err := o.deps.History.Append(ctx, o.ownerID, o.conversationID, entry); err != nil {
		slog.Warn("conversation: appending session history failed", "conversation_id", o.conversationID, "error", err)
	}
}

func (o *Orchestrator) loadIdentity(ctx context.Context) (identity.MasterConfig, identity.Preferences) {
	master := identity.DefaultMasterConfig()
	var prefs identity.Preferences
	if o.deps.Identity == nil {
		return master, prefs
	}

	if m, err := o.deps.Identity.GetMasterConfig(ctx); err != nil {
		slog.Warn("conversation: loading master config failed, using defaults", "error", err)
	} else if m != nil {
		master = *m
	}

	if u, err := o.deps.Identity.GetUser(ctx, o.ownerID); err != nil {
		slog.Warn("conversation: loading user preferences failed", "owner_id", o.ownerID, "error", err)
	} else if u != nil {
		prefs = u.Preferences
	}
	return master, prefs
}

// recordPartial keeps interrupted text in the session window so the next
// turn has continuity. It is not written to the structured store.
func (o *Orchestrator) recordPartial(ctx context.Context, t *turn, text string) {
	if text == "" {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	o.appendHistory(pctx, turns.RoleAssistant, text)
	o.publish(pctx, inats.OutcomeInterrupted, t.userText, text, nil)
}

func (o *Orchestrator) publish(ctx context.Context, outcome, userText, assistantText string, turnID *uuid.UUID) {
	if o.deps.Publisher == nil {
		return
	}
	err := o.deps.Publisher.PublishTurn(ctx, inats.TurnEvent{
		ConversationID: o.conversationID,
		OwnerID:        o.ownerID,
		TurnID:         turnID,
		Outcome:        outcome,
		UserText:       userText,
		AssistantText:  assistantText,
		Channel:        o.cfg.Channel,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("conversation: publishing turn event failed", "conversation_id", o.conversationID, "error", err)
	}
}
