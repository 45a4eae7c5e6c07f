package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Notnaton/simplewebui/internal/chatstore"
	"github.com/Notnaton/simplewebui/internal/models"
)

const defaultTermWidth = 80

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Inspect and remove stored conversations",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		chats, err := store.List()
		if err != nil {
			return err
		}
		printChatList(cmd.OutOrStdout(), chats, terminalWidth())
		return nil
	},
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <sid>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		sid := args[0]
		if !models.ValidConversationID(sid) {
			return chatstore.ErrInvalidID
		}
		if !store.Exists(sid) {
			return fmt.Errorf("%s: %w", sid, chatstore.ErrNotFound)
		}
		conv, err := store.Load(sid)
		if err != nil {
			return err
		}
		printConversation(cmd.OutOrStdout(), conv)
		return nil
	},
}

var chatsRmCmd = &cobra.Command{
	Use:     "rm <sid>...",
	Aliases: []string{"delete"},
	Short:   "Delete conversations",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		for _, sid := range args {
			if err := store.Delete(sid); err != nil {
				return fmt.Errorf("%s: %w", sid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", sid)
		}
		return nil
	},
}

func init() {
	chatsCmd.AddCommand(chatsListCmd, chatsShowCmd, chatsRmCmd)
}

func openStore(cmd *cobra.Command) (*chatstore.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return chatstore.New(cfg.Chat.Dir, cfg.Chat.SystemPrompt)
}

func terminalWidth() int {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return defaultTermWidth
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return defaultTermWidth
	}
	return w
}

// printChatList writes one line per chat: id, date, message count and a
// title cut to what is left of the line
func printChatList(w io.Writer, chats []models.ChatSummary, width int) {
	if len(chats) == 0 {
		fmt.Fprintln(w, "no conversations")
		return
	}
	for _, chat := range chats {
		prefix := fmt.Sprintf("%s  %s  %4d  ", chat.SID, chat.ModTime.Local().Format("2006-01-02 15:04"), chat.Messages)
		fmt.Fprintln(w, prefix+fitWidth(chat.Title, width-utf8.RuneCountInString(prefix)))
	}
}

func fitWidth(s string, width int) string {
	if width < 2 {
		width = 2
	}
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	return string(runes[:width-1]) + "…"
}

func printConversation(w io.Writer, conv *models.Conversation) {
	for _, m := range conv.Messages {
		fmt.Fprintf(w, "[%s]\n%s\n\n", m.Role, strings.TrimRight(m.Message, "\n"))
	}
}
