package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/go-council/internal/knowledge"
)

func newKnowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Store, search and update knowledge records",
	}
	cmd.AddCommand(newKnowledgeStoreCmd(), newKnowledgeSearchCmd(), newKnowledgeUpdateCmd(), newKnowledgeShowCmd())
	return cmd
}

// knowledgeFlags are the per-kind fields shared by store and update.
type knowledgeFlags struct {
	title, description, content string
	factTitle, explanation      string
	name, goal                  string
	relatedFacts, relatedRisks  []string
}

func (f *knowledgeFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.title, "title", "", "Title (fact, action)")
	fl.StringVar(&f.description, "description", "", "Description (fact, risk)")
	fl.StringVar(&f.content, "content", "", "Free-form content")
	fl.StringVar(&f.factTitle, "fact-title", "", "Title of the explained fact (explanation)")
	fl.StringVar(&f.explanation, "explanation", "", "Explanation text (explanation)")
	fl.StringVar(&f.name, "name", "", "Risk name (risk)")
	fl.StringVar(&f.goal, "goal", "", "Goal (action)")
	fl.StringSliceVar(&f.relatedFacts, "related-fact", nil, "Related fact title (risk, repeatable)")
	fl.StringSliceVar(&f.relatedRisks, "related-risk", nil, "Related risk name (action, repeatable)")
}

func (f *knowledgeFlags) input() knowledge.Input {
	return knowledge.Input{
		Title:        f.title,
		Description:  f.description,
		Content:      f.content,
		FactTitle:    f.factTitle,
		Explanation:  f.explanation,
		Name:         f.name,
		Goal:         f.goal,
		RelatedFacts: f.relatedFacts,
		RelatedRisks: f.relatedRisks,
	}
}

// patch includes only the flags set on the command line.
func (f *knowledgeFlags) patch(cmd *cobra.Command) knowledge.Patch {
	var p knowledge.Patch
	changed := cmd.Flags().Changed
	str := func(flag string, v string) *string {
		if !changed(flag) {
			return nil
		}
		return &v
	}
	p.Title = str("title", f.title)
	p.Description = str("description", f.description)
	p.Content = str("content", f.content)
	p.FactTitle = str("fact-title", f.factTitle)
	p.Explanation = str("explanation", f.explanation)
	p.Name = str("name", f.name)
	p.Goal = str("goal", f.goal)
	if changed("related-fact") {
		facts := f.relatedFacts
		p.RelatedFacts = &facts
	}
	if changed("related-risk") {
		risks := f.relatedRisks
		p.RelatedRisks = &risks
	}
	return p
}

func parseKindArg(s string) (knowledge.Kind, error) {
	k, ok := knowledge.ParseKind(s)
	if !ok {
		names := make([]string, len(knowledge.Kinds))
		for i, k := range knowledge.Kinds {
			names[i] = string(k)
		}
		return "", fmt.Errorf("unknown kind %q (want one of %s)", s, strings.Join(names, ", "))
	}
	return k, nil
}

func newKnowledgeStoreCmd() *cobra.Command {
	var f knowledgeFlags
	cmd := &cobra.Command{
		Use:   "store <fact|explanation|risk|action>",
		Short: "Store a knowledge record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			rec, err := a.knowledge.Store(ctx, kind, f.input())
			if err != nil {
				return knowledgeError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s (keywords: %s, relations: %d)\n",
				rec.ID, strings.Join(rec.Keywords, ", "), len(rec.Relations))
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func newKnowledgeSearchCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search <kind> <query>",
		Short: "Find the records of a kind most similar to a query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			matches, err := a.knowledge.Retrieve(ctx, kind, strings.Join(args[1:], " "), limit)
			if err != nil {
				return knowledgeError(err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), matches)
			}
			printMatches(cmd.OutOrStdout(), matches)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum number of matches")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print matches as JSON")
	return cmd
}

func newKnowledgeUpdateCmd() *cobra.Command {
	var f knowledgeFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a record; keywords, vector and relations follow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.knowledge.Update(ctx, args[0], f.patch(cmd))
			if err != nil {
				return knowledgeError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s: changed=%s keywords=%t vector=%t relations=%t\n",
				res.Record.ID, strings.Join(res.Changed, ","), res.Keywords, res.Vector, res.Relations)
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func newKnowledgeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a record with its relations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			rec, err := a.knowledge.Get(ctx, args[0])
			if err != nil {
				return knowledgeError(err)
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func printMatches(w io.Writer, matches []knowledge.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(w, "No matching records")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SIMILARITY\tID\tTITLE")
	for _, m := range matches {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\n", m.Similarity, m.Record.ID, m.Record.Title)
	}
	_ = tw.Flush()
}

// knowledgeError turns store errors into messages fit for the terminal.
func knowledgeError(err error) error {
	var ve *knowledge.ValidationError
	if errors.As(err, &ve) {
		return fmt.Errorf("invalid record: %w", err)
	}
	var nf *knowledge.NotFoundError
	if errors.As(err, &nf) {
		return fmt.Errorf("no such record: %s", nf.ID)
	}
	return err
}
