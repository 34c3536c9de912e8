package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parchment-ai/parchment/internal/conversation"
	"github.com/parchment-ai/parchment/internal/usage"
)

var askFlags struct {
	conversationID string
	user           string
	title          string
	systemPrompt   string
	dataset        string
	minYear        int
	maxYear        int
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question in a conversation",
	Long: `Ask submits one turn: the question is embedded, relevant passages are
retrieved, and the model answers with the conversation history replayed.
Without --conversation a new conversation is created and its ID printed,
so the follow-up question can continue it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askFlags.conversationID, "conversation", "c", "", "conversation ID to continue")
	askCmd.Flags().StringVarP(&askFlags.user, "user", "u", "local", "user the turn is billed to")
	askCmd.Flags().StringVar(&askFlags.title, "title", "", "title for a new conversation")
	askCmd.Flags().StringVar(&askFlags.systemPrompt, "system", "Answer using the retrieved context. Cite your sources.", "system prompt for a new conversation")
	askCmd.Flags().StringVar(&askFlags.dataset, "dataset", "", "dataset selector for a new conversation (glob over dataset names)")
	askCmd.Flags().IntVar(&askFlags.minYear, "min-year", 0, "minimum document year for a new conversation")
	askCmd.Flags().IntVar(&askFlags.maxYear, "max-year", 0, "maximum document year for a new conversation")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	question := strings.Join(args, " ")

	a, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	convID, created, err := resolveConversation(ctx, a.Conversations)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("conversation: %s\n\n", convID)
	}

	qr, err := a.Pipeline.SubmitTurn(ctx, convID, askFlags.user, question)
	if err != nil {
		if errors.Is(err, usage.ErrLimitExceeded) {
			return fmt.Errorf("spending limit reached for user %q; raise it with 'parchment usage set-limit'", askFlags.user)
		}
		return err
	}

	// Process the turn's jobs inline so ask works without a separate
	// worker process. A running worker fleet may also pick them up.
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	worker := a.NewWorker()
	go func() {
		if err := worker.Run(workerCtx); err != nil {
			a.Logger.Error("inline worker", "error", err)
		}
	}()

	task, err := a.Pipeline.Await(ctx, qr.UUID, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("waiting for turn: %w", err)
	}
	stopWorker()

	if task.Status == conversation.StatusFailure {
		return fmt.Errorf("turn failed: %s", task.Error)
	}

	turn, err := a.Conversations.GetTurn(ctx, qr.UUID)
	if err != nil {
		return err
	}
	printTurn(turn)
	return nil
}

// resolveConversation returns the conversation to use, creating one when
// no --conversation was given.
func resolveConversation(ctx context.Context, store *conversation.Store) (uuid.UUID, bool, error) {
	if askFlags.conversationID != "" {
		id, err := uuid.Parse(askFlags.conversationID)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("invalid conversation ID %q: %w", askFlags.conversationID, err)
		}
		return id, false, nil
	}

	c := conversation.Conversation{
		UserID:       askFlags.user,
		Title:        askFlags.title,
		SystemPrompt: askFlags.systemPrompt,
		Dataset:      askFlags.dataset,
	}
	if askFlags.minYear > 0 {
		c.MinYear = &askFlags.minYear
	}
	if askFlags.maxYear > 0 {
		c.MaxYear = &askFlags.maxYear
	}

	created, err := store.CreateConversation(ctx, c)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("creating conversation: %w", err)
	}
	return created.ID, true, nil
}

func printTurn(turn conversation.QueryResult) {
	fmt.Println(turn.Response)
	if len(turn.References) > 0 {
		fmt.Println("\nSources:")
		for i, ref := range turn.References {
			line := fmt.Sprintf("  [%d] %s", i+1, ref.Title)
			if ref.Year > 0 {
				line += fmt.Sprintf(" (%d)", ref.Year)
			}
			if ref.URL != "" {
				line += " " + ref.URL
			}
			fmt.Println(line)
		}
	}
	fmt.Printf("\ntokens: %d in / %d out, cost: $%.6f\n",
		turn.InputTokens, turn.OutputTokens, turn.Cost)
}
