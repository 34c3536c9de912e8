package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parchment-ai/parchment/internal/llm"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
}

var conversationsUser string

func init() {
	conversationsCmd.PersistentFlags().StringVarP(&conversationsUser, "user", "u", "local", "owner of the conversations")

	conversationsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conversations",
			RunE:  runConversationsList,
		},
		&cobra.Command{
			Use:   "show <conversation-id>",
			Short: "Show a conversation's completed turns",
			Args:  cobra.ExactArgs(1),
			RunE:  runConversationsShow,
		},
		&cobra.Command{
			Use:   "rename <conversation-id> <title>",
			Short: "Rename a conversation",
			Args:  cobra.ExactArgs(2),
			RunE:  runConversationsRename,
		},
		&cobra.Command{
			Use:   "delete <conversation-id>",
			Short: "Delete a conversation",
			Args:  cobra.ExactArgs(1),
			RunE:  runConversationsDelete,
		},
	)
	rootCmd.AddCommand(conversationsCmd)
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := a.Conversations.List(ctx, conversationsUser)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no conversations")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tDATASET\tCREATED")
	for _, c := range list {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			c.ID, title, c.Dataset, c.CreatedAt.Format(time.DateTime))
	}
	return w.Flush()
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid conversation ID %q: %w", args[0], err)
	}

	a, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	msgs, err := a.Conversations.Replay(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		fmt.Printf("%s: %s\n\n", m.Role, m.Content)
	}
	return nil
}

func runConversationsRename(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid conversation ID %q: %w", args[0], err)
	}

	a, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return a.Conversations.UpdateTitle(ctx, id, args[1])
}

func runConversationsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid conversation ID %q: %w", args[0], err)
	}

	a, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.Conversations.SoftDelete(ctx, id); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}
