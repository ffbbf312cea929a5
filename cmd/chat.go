package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tetherlab/tether/internal/codex"
	"github.com/tetherlab/tether/internal/config"
	"github.com/tetherlab/tether/internal/log"
	"github.com/tetherlab/tether/internal/threadstore"
	"github.com/tetherlab/tether/internal/tracing"
	"github.com/tetherlab/tether/internal/watcher"
)

var (
	chatShowThinking bool
	chatFresh        bool
	chatModel        string
	chatEffort       string
	chatApprove      string
	chatImages       []string
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Start an interactive session with the agent",
	Long: `Start an interactive chat session. The agent process is launched on the
first prompt and kept alive across crashes. The conversation thread is
remembered per working directory, so a later session in the same directory
picks up where it left off.

With a prompt argument the turn is sent once, streamed to stdout, and the
command exits.

Session commands:
  /new            start a fresh thread
  /model <name>   set the model for following turns
  /effort <level> set reasoning effort (low, medium, high)
  /save           persist current model/effort to the config file
  /quit           exit`,
	Args: cobra.ArbitraryArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().BoolVar(&chatShowThinking, "thinking", false,
		"print the agent's reasoning summaries")
	chatCmd.Flags().BoolVar(&chatFresh, "fresh", false,
		"start a new thread instead of resuming the stored one")
	chatCmd.Flags().StringVar(&chatModel, "model", "",
		"model override for this session")
	chatCmd.Flags().StringVar(&chatEffort, "effort", "",
		"reasoning effort override (low, medium, high)")
	chatCmd.Flags().StringVar(&chatApprove, "approve", "",
		"approval policy override (prompt, accept, decline)")
	chatCmd.Flags().StringArrayVar(&chatImages, "image", nil,
		"image path or URL to attach to the first turn (repeatable)")
}

// chatSession holds the interactive session's moving parts.
type chatSession struct {
	client *codex.Client
	store  *threadstore.Store
	dir    string

	// stdinMu hands the terminal to whichever side needs it: the REPL
	// between turns, approval prompts during one.
	stdinMu sync.Mutex
	stdin   *bufio.Scanner

	optsMu sync.Mutex
	turn   config.TurnConfig
}

func runChat(_ *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	approvalPolicy := cfg.Approval.Policy
	if chatApprove != "" {
		switch chatApprove {
		case "prompt", "accept", "decline":
			approvalPolicy = chatApprove
		default:
			return fmt.Errorf("invalid --approve value %q (want prompt, accept, or decline)", chatApprove)
		}
	}

	dir, err := workDir()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	session := &chatSession{
		store: store,
		dir:   dir,
		stdin: bufio.NewScanner(os.Stdin),
		turn:  cfg.Turn,
	}
	if chatModel != "" {
		session.turn.Model = chatModel
	}
	if chatEffort != "" {
		session.turn.Effort = chatEffort
	}

	session.client = codex.NewClient(codex.Config{
		Command:              cfg.Agent.Command,
		WorkDir:              dir,
		ExtraPaths:           cfg.Agent.ExtraPaths,
		Model:                session.turn.Model,
		Effort:               session.turn.Effort,
		ApprovalPolicy:       approvalPolicy,
		AllowToolCalls:       cfg.Approval.AllowToolCalls,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		ClientVersion:        version,
	},
		codex.WithTracer(provider.Tracer()),
		codex.WithCallbacks(codex.Callbacks{
			Approval:      session.promptApproval,
			ThreadChanged: session.rememberThread,
		}),
	)
	defer session.client.Dispose()

	if !chatFresh {
		if threadID, err := store.Lookup(dir); err == nil {
			session.client.UseThread(threadID)
			fmt.Printf("resuming thread %s\n", threadID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go session.printSystemMessages(ctx)
	session.watchConfig(ctx)

	// Ctrl+C cancels the in-flight turn; a second one exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		session.client.CancelTurn("")
		<-sigCh
		cancel()
		os.Exit(1)
	}()

	// A prompt argument means one turn, then exit.
	if len(args) > 0 {
		return session.sendTurn(ctx, strings.Join(args, " "), attachments(chatImages))
	}

	return session.repl(ctx)
}

// attachments splits --image values into URL and local-path attachments.
func attachments(images []string) []codex.ImageAttachment {
	out := make([]codex.ImageAttachment, 0, len(images))
	for _, img := range images {
		if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
			out = append(out, codex.ImageAttachment{URL: img})
		} else {
			out = append(out, codex.ImageAttachment{Path: img})
		}
	}
	return out
}

func openStore() (*threadstore.Store, error) {
	path := cfg.Store.Path
	if path == "" {
		return threadstore.OpenInMemory()
	}
	store, err := threadstore.Open(path)
	if err != nil {
		log.ErrorErr(log.CatStore, "thread store unavailable, using memory", err)
		return threadstore.OpenInMemory()
	}
	return store, nil
}

func (s *chatSession) repl(ctx context.Context) error {
	for {
		fmt.Print("> ")
		s.stdinMu.Lock()
		ok := s.stdin.Scan()
		line := strings.TrimSpace(s.stdin.Text())
		s.stdinMu.Unlock()
		if !ok {
			return s.stdin.Err()
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := s.command(line); quit {
				return nil
			}
			continue
		}

		_ = s.sendTurn(ctx, line, nil)
	}
}

// command handles a /-prefixed session command; returns true to exit.
func (s *chatSession) command(line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/new":
		s.client.NewThread()
		if err := s.store.Forget(s.dir); err != nil {
			log.ErrorErr(log.CatStore, "forgetting thread failed", err)
		}
		fmt.Println("started a fresh thread")
	case "/model":
		s.optsMu.Lock()
		s.turn.Model = arg
		s.optsMu.Unlock()
		fmt.Printf("model set to %q\n", arg)
	case "/effort":
		s.optsMu.Lock()
		s.turn.Effort = arg
		s.optsMu.Unlock()
		fmt.Printf("effort set to %q\n", arg)
	case "/save":
		s.optsMu.Lock()
		turn := s.turn
		s.optsMu.Unlock()
		if err := config.Save(configFilePath(), turn); err != nil {
			fmt.Printf("saving config failed: %v\n", err)
		} else {
			fmt.Printf("saved to %s\n", configFilePath())
		}
	default:
		fmt.Printf("unknown command %s\n", cmd)
	}
	return false
}

func (s *chatSession) sendTurn(ctx context.Context, prompt string, images []codex.ImageAttachment) error {
	s.optsMu.Lock()
	opts := codex.TurnOptions{Model: s.turn.Model, Effort: s.turn.Effort, Images: images}
	s.optsMu.Unlock()

	handlers := codex.TurnHandlers{
		OnDelta: func(text string) {
			fmt.Print(text)
		},
		OnThinkingDelta: func(text string) {
			if chatShowThinking {
				fmt.Fprint(os.Stderr, text)
			}
		},
		OnToolStart: func(ev codex.ToolStartEvent) {
			fmt.Printf("\n[%s] %s\n", ev.ItemType, ev.Title)
		},
		OnToolDelta: func(ev codex.ToolDeltaEvent) {
			fmt.Print(ev.Delta)
		},
		OnToolComplete: func(ev codex.ToolCompleteEvent) {
			fmt.Printf("[%s] %s\n", ev.ItemType, ev.Status)
		},
	}

	result, err := s.client.SendTurn(ctx, prompt, handlers, opts)
	fmt.Println()
	switch {
	case err != nil:
		fmt.Printf("turn failed: %v\n", err)
		return err
	case result.Status == codex.TurnCancelled:
		fmt.Println("(cancelled)")
	case result.Status == codex.TurnErrored:
		fmt.Printf("agent error: %s\n", result.ErrorMessage)
		return fmt.Errorf("agent error: %s", result.ErrorMessage)
	}
	return nil
}

// promptApproval asks the user to approve a command or file change.
func (s *chatSession) promptApproval(req codex.ApprovalRequest) (codex.ApprovalDecision, error) {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()

	fmt.Println()
	switch req.Kind {
	case codex.ApproveCommand:
		fmt.Printf("agent wants to run: %s\n", req.Command)
	case codex.ApproveFileChange:
		fmt.Printf("agent wants to edit: %s\n", req.FilePath)
		if req.DiffPreview != "" {
			fmt.Println(req.DiffPreview)
		}
	}
	if req.Reason != "" {
		fmt.Printf("reason: %s\n", req.Reason)
	}
	fmt.Print("allow? [y/N] ")

	if !s.stdin.Scan() {
		return codex.DecisionDecline, nil
	}
	answer := strings.ToLower(strings.TrimSpace(s.stdin.Text()))
	if answer == "y" || answer == "yes" {
		return codex.DecisionAccept, nil
	}
	return codex.DecisionDecline, nil
}

// rememberThread persists the active thread id for this directory.
func (s *chatSession) rememberThread(threadID string) {
	if err := s.store.Record(s.dir, threadID); err != nil {
		log.ErrorErr(log.CatStore, "recording thread failed", err)
	}
}

// printSystemMessages surfaces out-of-band client status lines.
func (s *chatSession) printSystemMessages(ctx context.Context) {
	for ev := range s.client.SystemMessages(ctx) {
		fmt.Printf("* %s\n", ev.Payload)
	}
}

// watchConfig applies edits to the config file's turn section to the
// running session.
func (s *chatSession) watchConfig(ctx context.Context) {
	w, err := watcher.New(configFilePath(), 500*time.Millisecond)
	if err != nil {
		log.ErrorErr(log.CatConfig, "config watcher unavailable", err)
		return
	}
	changes, err := w.Start()
	if err != nil {
		log.ErrorErr(log.CatConfig, "config watcher unavailable", err)
		_ = w.Stop()
		return
	}

	go func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				if err := viper.ReadInConfig(); err != nil {
					continue
				}
				var updated config.Config
				if err := viper.Unmarshal(&updated); err != nil {
					continue
				}
				s.optsMu.Lock()
				s.turn = updated.Turn
				s.optsMu.Unlock()
				log.Info(log.CatConfig, "config reloaded",
					"model", updated.Turn.Model, "effort", updated.Turn.Effort)
			}
		}
	}()
}
