package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/knoguchi/hybridrag/internal/answer"
	"github.com/knoguchi/hybridrag/internal/app"
	"github.com/knoguchi/hybridrag/internal/auth"
	"github.com/knoguchi/hybridrag/internal/ingestion"
	"github.com/knoguchi/hybridrag/internal/passage"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/spf13/cobra"
)

func newSearchCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve the most relevant passages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				res, err := a.Pipeline.Search(cmd.Context(), args[0], opts.filename)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, map[string]any{
						"mode":            res.Mode,
						"candidate_count": res.CandidateCount,
						"passages":        toPassageJSON(res.Passages),
					})
				}
				fmt.Fprintf(out, "mode: %s (%d candidates)\n", res.Mode, res.CandidateCount)
				printPassages(out, res.Passages)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&opts.filename, "filename", "f", "", "restrict to one document")
	return cmd
}

func newAnswerCmd(opts *options) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "answer <question>",
		Short: "Answer a question from retrieved passages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				res, err := a.Answers.Answer(cmd.Context(), answer.Request{
					Query:     args[0],
					Filename:  opts.filename,
					SessionID: session,
				})
				out := cmd.OutOrStdout()
				if errors.Is(err, answer.ErrNoRelevantContent) {
					fmt.Fprintln(out, answer.NotMentioned)
					return nil
				}
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(out, map[string]any{
						"answer":       res.Answer,
						"search_query": res.SearchQuery,
						"mode":         res.Mode,
						"sources":      toPassageJSON(res.Sources),
					})
				}
				fmt.Fprintln(out, res.Answer)
				fmt.Fprintf(out, "\nsources (%s):\n", res.Mode)
				printPassages(out, res.Sources)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&opts.filename, "filename", "f", "", "restrict to one document")
	cmd.Flags().StringVar(&session, "session", "", "conversation session ID")
	return cmd
}

func newIngestCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <chunks.json>",
		Short: "Ingest a chunked document",
		Long: `Ingest reads the chunker's JSON output (an array of {id, page, title,
content, metadata}) and writes the passages to the passage store. The
document name defaults to the metadata filename of the first chunk.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passages, err := ingestion.LoadChunksFile(args[0])
			if err != nil {
				return err
			}
			filename := opts.filename
			if filename == "" && len(passages) > 0 {
				filename = passages[0].Filename()
			}
			return opts.withApp(cmd, func(a *app.App) error {
				res, err := a.Ingestor.Ingest(cmd.Context(), filename, passages)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, res)
				}
				fmt.Fprintf(out, "ingested %s: %d of %d passages kept (%d duplicates, %d too short, %d uncategorized) in %s\n",
					res.Document.Filename, res.Stats.Kept, res.Stats.Received,
					res.Stats.Duplicates, res.Stats.TooShort, res.Stats.Uncategorized,
					res.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&opts.filename, "filename", "f", "", "document name (default: from chunk metadata)")
	return cmd
}

func newDocumentsCmd(opts *options) *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"ls"},
		Short:   "List ingested documents",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				docs, total, err := a.Registry.List(cmd.Context(), repository.DocumentStatus(status), limit, offset)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, map[string]any{"documents": docs, "total": total})
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "FILENAME\tSTATUS\tPASSAGES\tCREATED")
				for _, d := range docs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.Filename, d.Status, d.PassageCount, d.CreatedAt.Format(time.RFC3339))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "%d of %d documents\n", len(docs), total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, ready, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum documents to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "documents to skip")
	return cmd
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <filename>",
		Short: "Remove a document and its passages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				if err := a.Ingestor.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		name   string
		expiry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an HS256 bearer token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			token, err := auth.NewJWTManager(auth.DefaultJWTConfig(secret)).GenerateTokenWithExpiry(args[0], name, expiry)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret (JWT_SECRET of the server)")
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "token lifetime")
	return cmd
}

type passageJSON struct {
	ID       string  `json:"id"`
	Filename string  `json:"filename"`
	Page     string  `json:"page"`
	Title    string  `json:"title"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

func toPassageJSON(ps []passage.RerankedCandidate) []passageJSON {
	out := make([]passageJSON, len(ps))
	for i, p := range ps {
		out[i] = passageJSON{
			ID:       p.Passage.ID,
			Filename: p.Passage.Filename(),
			Page:     p.Passage.Page,
			Title:    p.Passage.Title,
			Content:  p.Passage.Content,
			Score:    p.RerankScore,
		}
	}
	return out
}

func printPassages(w io.Writer, ps []passage.RerankedCandidate) {
	for i, p := range ps {
		fmt.Fprintf(w, "%d. [%s p.%s] %.4f\n   %s\n", i+1, p.Passage.Filename(), p.Passage.Page, p.RerankScore,
			strings.ReplaceAll(p.Passage.Content, "\n", " "))
	}
}
