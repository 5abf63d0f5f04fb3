package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"terraigo/internal/app"
	"terraigo/internal/config"
	"terraigo/internal/observability"
	"terraigo/internal/service/advisor"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "terraigo",
		Short:         "Farming advice assistant backed by web search and a chat model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := observability.Init(opts.verbose); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = observability.Logger().Sync()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("TERRAIGO_CONFIG"), "path to config.json or config.yaml")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd(opts), newAskCmd(opts), newIndexCmd(opts))
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !opts.verbose {
				gin.SetMode(gin.ReleaseMode)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer closeApp(a)
			return a.Serve(ctx)
		},
	}
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var stream bool
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Options{MemorySessions: true})
			if err != nil {
				return err
			}
			defer closeApp(a)

			out := cmd.OutOrStdout()
			var onChunk func(string) error
			var streamed strings.Builder
			if stream {
				onChunk = func(chunk string) error {
					streamed.WriteString(chunk)
					_, err := fmt.Fprint(out, chunk)
					return err
				}
			}
			res, err := a.Ask(ctx, strings.Join(args, " "), onChunk)
			if err != nil {
				return err
			}
			return printAnswer(out, res, streamed.String())
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "print the answer as it is generated")
	return cmd
}

func newIndexCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Seed the knowledge corpus and embed new facts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := app.Index(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d facts, embedded %d, %d total\n", st.Added, st.Embedded, st.Total)
			return nil
		},
	}
}

var errNoAnswer = errors.New("no answer was generated")

// printAnswer writes the part of the reply not already streamed to out. A
// failed turn prints the stored notice and reports errNoAnswer.
func printAnswer(out io.Writer, res *advisor.TurnResult, streamed string) error {
	reply := res.Reply.Content
	if streamed != "" {
		if res.Failed {
			// the partial answer on screen is abandoned
			fmt.Fprintln(out)
		} else {
			reply = strings.TrimPrefix(strings.TrimLeftFunc(reply, unicode.IsSpace), strings.TrimSpace(streamed))
		}
	}
	fmt.Fprintln(out, reply)
	if res.Failed {
		return errNoAnswer
	}
	return nil
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		observability.Logger().Warn("shutdown incomplete", zap.Error(err))
	}
}
