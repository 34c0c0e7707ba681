package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mlowery/chatdir/internal/mention"
)

var expandCmd = &cobra.Command{
	Use:   "expand <text>...",
	Short: "Expand @mentions in text to directory encodings",
	Long: `Rewrite @mentions in the given text: usernames become <@ID>, group
handles become <!subteam^ID>, and @here/@channel/@everyone become
broadcast markers. Tokens that match nothing are left as written.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		text := strings.Join(args, " ")

		s, caches, err := openCaches()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		rewriter := mention.NewRewriter(caches.Users, caches.Groups)
		out, err := rewriter.Rewrite(cmd.Context(), text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(out)
	},
}

func init() {
	rootCmd.AddCommand(expandCmd)
}
