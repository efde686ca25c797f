package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/fundchat/internal/client"
	"github.com/inercia/fundchat/internal/conversation"
	"github.com/inercia/fundchat/internal/store"
)

var uploadCollection string

var uploadCmd = &cobra.Command{
	Use:   "upload <files...>",
	Short: "Upload fund documents and start a conversation about them",
	Long: `Upload documents to the backend, which indexes them and extracts the
fund name and a short overview. A new conversation grounded on the documents
is stored; continue it with 'fundchat chat <id>'.

The model settings from the configuration are sent with the upload.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadCollection, "collection", "", "Backend collection id (default: random)")
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "⏫ Uploading %d file(s), this can take a while...\n", len(args))
	res, err := newClient().Upload(ctx, client.UploadRequest{
		CollectionID: uploadCollection,
		Settings:     cfg.Models,
		Files:        args,
	})
	if err != nil {
		return err
	}
	printUploadResult(out, res)

	return withStore(func(ctx context.Context, st store.Store) error {
		stored, err := st.Put(ctx, res.Apply(conversation.New(time.Now())))
		if err != nil {
			return fmt.Errorf("documents were indexed but the conversation could not be saved: %w", err)
		}
		fmt.Fprintf(out, "\nContinue with: fundchat chat %s\n", shortID(stored.ID))
		return nil
	})
}
