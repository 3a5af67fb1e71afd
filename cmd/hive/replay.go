package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hive/internal/config"
	"hive/internal/store"
)

var replayCmd = &cobra.Command{
	Use:   "replay <conversation-id>",
	Short: "Reload a past conversation's stage outputs and final answer from the knowledge store",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	conversationID := args[0]
	logger.Info("replaying conversation", zap.String("conversation_id", conversationID))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}
	defer st.Close()

	conv, err := st.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	fmt.Printf("question: %s\n", conv.Question)
	fmt.Printf("routing: %s\n", conv.Routing)
	fmt.Println(strings.Repeat("-", 60))

	outputs, err := st.GetStageOutputs(conversationID)
	if err != nil {
		return fmt.Errorf("load stage outputs: %w", err)
	}
	for _, o := range outputs {
		status := ""
		if o.Partial {
			status = " (partial)"
		}
		fmt.Printf("[round %d] %s (%s)%s\n%s\n\n", o.Round, o.Stage, o.Model, status, o.Text)
	}

	fmt.Println(strings.Repeat("-", 60))
	fmt.Println("final answer:")
	fmt.Println(conv.FinalAnswer)
	return nil
}
