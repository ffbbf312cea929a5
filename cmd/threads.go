package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage remembered conversation threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered threads per working directory",
	RunE:  runThreadsList,
}

var threadsForgetCmd = &cobra.Command{
	Use:   "forget [dir]",
	Short: "Forget the thread for a directory (default: current)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runThreadsForget,
}

func init() {
	rootCmd.AddCommand(threadsCmd)
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsForgetCmd)
}

func runThreadsList(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no threads remembered")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DIRECTORY\tTHREAD\tLAST USED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.WorkDir, e.ThreadID, e.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runThreadsForget(_ *cobra.Command, args []string) error {
	dir, err := workDir()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		dir = args[0]
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Forget(dir); err != nil {
		return err
	}
	fmt.Printf("forgot thread for %s\n", dir)
	return nil
}
