package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/StoryForge/internal/archive"
	"github.com/TobiSchelling/StoryForge/internal/branch"
	"github.com/TobiSchelling/StoryForge/internal/database"
)

// --- start command ---

var startCmd = &cobra.Command{
	Use:   "start [story] [premise]",
	Short: "Generate chapter 1 of a story from a premise",
	Long:  "Generate chapter 1 of a story. Running it on an existing story adds a new version of chapter 1 and retires every later chapter.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Generating chapter 1 of %s...\n", args[0])
		result, err := a.manager.Start(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		printCommit(result)
		return nil
	},
}

// --- chapters command ---

var chaptersCmd = &cobra.Command{
	Use:   "chapters [story]",
	Short: "List the active chapters of a story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		active, err := a.store.ListActive(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(active) == 0 {
			fmt.Printf("Story %s has no chapters. Start one with: storyforge start\n", args[0])
			return nil
		}

		for _, ch := range active {
			fmt.Printf("  Chapter %d (v%d, %d words)\n", ch.ChapterNumber, ch.VersionNumber, ch.WordCount)
			if ch.Summary != "" {
				fmt.Printf("        %s\n", truncate(ch.Summary, 70))
			}
			cs, err := a.registry.Get(cmd.Context(), ch.ID)
			if err != nil {
				return err
			}
			printChoices(cs)
		}
		return nil
	},
}

// --- versions command ---

var versionsCmd = &cobra.Command{
	Use:   "versions [story] [chapter]",
	Short: "List every version of a chapter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseChapterNumber(args[1])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.store.ListVersions(cmd.Context(), args[0], n)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			return fmt.Errorf("chapter %d of %s has no versions", n, args[0])
		}

		for _, v := range versions {
			icon := " "
			if v.IsActive {
				icon = "*"
			}
			source := ""
			if v.SourceChoiceTitle != nil {
				source = " <- " + *v.SourceChoiceTitle
			}
			fmt.Printf("  [%d] %s v%d %s%s\n", v.ID, icon, v.VersionNumber, v.CreatedAt.Format("2006-01-02 15:04"), source)
		}
		return nil
	},
}

// --- activate command ---

var activateCmd = &cobra.Command{
	Use:   "activate [story] [chapter] [version-id]",
	Short: "Make a stored version the active one for its chapter",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseChapterNumber(args[1])
		if err != nil {
			return err
		}
		id, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version ID: %s", args[2])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.manager.SwitchVersion(cmd.Context(), args[0], n, id); err != nil {
			return err
		}
		fmt.Printf("Chapter %d of %s now uses version [%d]\n", n, args[0], id)
		return nil
	},
}

// --- advance command ---

var assumeYes bool

var advanceCmd = &cobra.Command{
	Use:   "advance [story] [chapter] [choice-id]",
	Short: "Preview the chapter that follows a choice, then commit or discard it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseChapterNumber(args[1])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		d, err := a.manager.Preview(ctx, args[0], n, args[2])
		if err != nil {
			return err
		}

		fmt.Printf("\n--- Draft of chapter %d (following %q) ---\n\n", d.TargetChapterNumber, d.SourceChoice.Title)
		fmt.Println(d.Content)
		fmt.Println()
		for _, c := range d.Choices {
			fmt.Printf("  (%s) %s [%s]\n", c.ID, c.Title, c.Impact)
		}
		if d.RejectedChoices > 0 {
			fmt.Printf("  %d malformed choice(s) dropped\n", d.RejectedChoices)
		}

		if !assumeYes && !confirm("Commit this chapter? [y/N]: ") {
			if err := a.manager.Discard(d); err != nil {
				return err
			}
			fmt.Println("Draft discarded.")
			return nil
		}

		result, err := a.manager.Commit(ctx, d)
		if err != nil {
			return err
		}
		printCommit(result)
		return nil
	},
}

func init() {
	advanceCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Commit without asking")
}

// --- branch command ---

var branchCmd = &cobra.Command{
	Use:   "branch [story] [chapter] [choice-id]",
	Short: "Rewrite the story from an earlier choice",
	Long:  "Generate and commit a new version of the chapter after the given one, following a different choice. Later chapters are retired but kept.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseChapterNumber(args[1])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.manager.BranchFromOlderChoice(cmd.Context(), args[0], n, args[2])
		if err != nil {
			return err
		}
		printCommit(result)
		return nil
	},
}

// --- tree command ---

var treeCmd = &cobra.Command{
	Use:   "tree [story]",
	Short: "Show the active story path and its choices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tr, err := a.tree.Build(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(tr.Nodes) == 0 {
			fmt.Printf("Story %s has no chapters.\n", args[0])
			return nil
		}

		for _, node := range tr.Nodes {
			fmt.Printf("%s  chapter %d v%d\n", node.ID, node.ChapterNumber, node.VersionNumber)
			for _, e := range tr.Edges {
				if e.Source != node.ID {
					continue
				}
				marker := "  "
				target := ""
				if e.Selected {
					marker = "->"
					if e.Target != "" {
						target = " => " + e.Target
					}
				}
				fmt.Printf("  %s %s [%s]%s\n", marker, e.Title, e.Impact, target)
			}
		}
		return nil
	},
}

// --- history command ---

var historyCmd = &cobra.Command{
	Use:   "history [story]",
	Short: "Show which choice was taken at each chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		h, err := a.history.Fetch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, e := range h.Entries {
			taken := "(none yet)"
			if e.Selected != nil {
				taken = e.Selected.Title
				if e.Inferred {
					taken += " (inferred)"
				}
			}
			fmt.Printf("  Chapter %d: %s\n", e.ChapterNumber, taken)
		}
		if len(h.Failed) > 0 {
			fmt.Printf("\nChoices could not be read for chapter(s) %v\n", h.Failed)
		}
		return nil
	},
}

// --- export-git command ---

var exportAuthor string

var exportGitCmd = &cobra.Command{
	Use:   "export-git [story] [dir]",
	Short: "Export every chapter version of a story as a git repository",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		exp := archive.NewExporter(a.store, a.registry, exportAuthor)
		result, err := exp.Export(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d commit(s) to %s (HEAD %s)\n", result.Commits, result.Path, result.Head)
		return nil
	},
}

func init() {
	exportGitCmd.Flags().StringVar(&exportAuthor, "author", "StoryForge", "Commit author name")
}

func printCommit(result *branch.CommitResult) {
	ch := result.Chapter
	fmt.Printf("\nCommitted chapter %d v%d [%d] (%d words)\n", ch.ChapterNumber, ch.VersionNumber, ch.ID, ch.WordCount)
	fmt.Printf("  Choices attached: %d\n", result.AttachedChoices)
	if result.Degraded {
		fmt.Println("  Warning: the chapter is saved but some choice links were not written:")
		for _, e := range result.LinkErrors {
			fmt.Printf("    %s\n", e)
		}
	}
}

func printChoices(cs []database.Choice) {
	for _, c := range cs {
		icon := " "
		if c.IsSelected {
			icon = ">"
		}
		fmt.Printf("        %s (%s) %s [%s]\n", icon, c.ID, c.Title, c.Impact)
	}
}

func parseChapterNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid chapter number: %s", s)
	}
	return n, nil
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
