package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/fundchat/internal/client"
	"github.com/inercia/fundchat/internal/conversation"
	"github.com/inercia/fundchat/internal/store"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv", "ls"},
	Short:   "Manage stored conversations",
	Args:    cobra.NoArgs,
	RunE:    runConversationsList,
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runConversationsList,
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation with its sources",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsShow,
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete stored conversations",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConversationsDelete,
}

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd, conversationsShowCmd, conversationsDeleteCmd)
}

// withStore opens the configured store for the duration of fn.
func withStore(fn func(ctx context.Context, st store.Store) error) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(context.Background(), st)
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st store.Store) error {
		list, err := st.List(ctx)
		if err != nil {
			return err
		}
		printConversationList(cmd.OutOrStdout(), list, "")
		return nil
	})
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st store.Store) error {
		list, err := st.List(ctx)
		if err != nil {
			return err
		}
		conv, err := matchConversation(list, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printTranscript(out, conv)
		for i, t := range conv.Messages {
			if len(t.Sources) > 0 {
				colorHeading.Fprintf(out, "Sources for answer %d:\n", i+1)
				printSources(out, t.Sources)
			}
		}
		return nil
	})
}

func runConversationsDelete(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st store.Store) error {
		list, err := st.List(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, ref := range args {
			conv, err := matchConversation(list, ref)
			if err != nil {
				return err
			}
			if list, err = st.Delete(ctx, conv.ID); err != nil {
				return err
			}
			colorOK.Fprintf(out, "🗑  Deleted %s (%s)\n", shortID(conv.ID), conv.Title())
		}
		return nil
	})
}

func printConversationList(out io.Writer, list []conversation.Conversation, activeID string) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No conversations yet.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tCREATED\tTITLE\tTURNS\tFIRST QUESTION")
	for _, c := range list {
		marker := " "
		if c.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%s\t%d\t%s\n",
			marker,
			shortID(c.ID),
			c.Created.Local().Format("2006-01-02 15:04"),
			truncate(c.Title(), 30),
			len(c.Messages),
			truncate(c.Preview(), 40))
	}
	tw.Flush()
}

func printTranscript(out io.Writer, c conversation.Conversation) {
	colorHeading.Fprintf(out, "%s", c.Title())
	if c.IsSaved() {
		colorDim.Fprintf(out, "  %s", c.ID)
	}
	fmt.Fprintln(out)
	if len(c.Documents) > 0 {
		colorDim.Fprintf(out, "Documents: %v\n", c.Documents)
	}
	for _, t := range c.Messages {
		fmt.Fprintf(out, "\n> %s\n", t.Query)
		colorAnswer.Fprintln(out, t.Response)
		if !t.Timestamp.IsZero() {
			colorDim.Fprintln(out, t.Timestamp.Local().Format(time.DateTime))
		}
	}
	fmt.Fprintln(out)
}

func printSources(out io.Writer, sources []conversation.Citation) {
	if len(sources) == 0 {
		fmt.Fprintln(out, "No sources.")
		return
	}
	for i, src := range sources {
		fmt.Fprintf(out, "  [%d] %s\n", i+1, formatCitation(src, 160))
	}
}

func printUploadResult(out io.Writer, res *client.UploadResult) {
	name := res.FundName
	if name == "" {
		name = conversation.UntitledName
	}
	colorOK.Fprintf(out, "✅ Indexed %d document(s) for %s\n", len(res.Documents), name)
	for _, item := range res.FundOverview {
		colorHeading.Fprintln(out, item.Query)
		fmt.Fprintln(out, item.Response)
	}
}
