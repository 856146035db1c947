// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"

	"github.com/relcore/pgcore/cmd/flags"
	"github.com/relcore/pgcore/pkg/versionedfs"
)

func fsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fs",
		Short: "Inspect and mutate the versioned filesystem",
	}
	flags.SchemaFlag(cmd, "FS_SCHEMA", "versionedfs")

	cmd.AddCommand(fsInitCmd())
	cmd.AddCommand(fsCreateRepoCmd())
	cmd.AddCommand(fsCommitCmd())
	cmd.AddCommand(fsReadCmd())
	cmd.AddCommand(fsSnapshotCmd())
	cmd.AddCommand(fsMergeCmd())
	cmd.AddCommand(fsRebaseCmd())
	cmd.AddCommand(fsExportCmd())

	return cmd
}

func openFS(cmd *cobra.Command) (*versionedfs.FS, error) {
	return versionedfs.New(cmd.Context(), flags.PostgresURL(), viper.GetString("FS_SCHEMA"))
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// printYAML re-renders v's JSON encoding as YAML, for a human reading the
// output rather than piping it into another program.
func printYAML(v any) error {
	js, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out, err := yaml.JSONToYAML(js)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func fsInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Install the versioned filesystem schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := openFS(cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			sp, _ := pterm.DefaultSpinner.WithText("Initializing versioned filesystem schema...").Start()
			if err := f.Init(cmd.Context()); err != nil {
				sp.Fail(fmt.Sprintf("Failed to initialize: %s", err))
				return err
			}
			sp.Success("Initialization complete")
			return nil
		},
	}
}

func fsCreateRepoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-repo <name>",
		Short: "Create a new repository with its default branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openFS(cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			repo, err := f.CreateRepository(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(repo)
		},
	}
}

func fsCommitCmd() *cobra.Command {
	var repository, parent, mergedFrom, message, path, content string
	var isDeleted bool

	c := &cobra.Command{
		Use:   "commit",
		Short: "Write a single file as a new commit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := openFS(cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			var parentPtr, mergedFromPtr *string
			if parent != "" {
				parentPtr = &parent
			}
			if mergedFrom != "" {
				mergedFromPtr = &mergedFrom
			}

			commit, err := f.CreateCommit(cmd.Context(), repository, parentPtr, mergedFromPtr, message,
				[]versionedfs.FileWrite{{Path: path, Content: content, IsDeleted: isDeleted}})
			if err != nil {
				return err
			}
			return printJSON(commit)
		},
	}

	c.Flags().StringVar(&repository, "repository", "", "repository id")
	c.Flags().StringVar(&parent, "parent", "", "parent commit id")
	c.Flags().StringVar(&mergedFrom, "merged-from", "", "merged-from commit id, for merge commits")
	c.Flags().StringVar(&message, "message", "", "commit message")
	c.Flags().StringVar(&path, "path", "", "file path")
	c.Flags().StringVar(&content, "content", "", "file content")
	c.Flags().BoolVar(&isDeleted, "delete", false, "mark the path as deleted")
	c.MarkFlagRequired("repository")
	c.MarkFlagRequired("message")
	c.MarkFlagRequired("path")

	return c
}

func fsReadCmd() *cobra.Command {
	var commit, path string

	c := &cobra.Command{
		Use:   "read",
		Short: "Read a file as it existed at a commit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := openFS(cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			file, err := f.ReadFile(cmd.Context(), commit, path)
			if err != nil {
				return err
			}
			return printJSON(file)
		},
	}

	c.Flags().StringVar(&commit, "commit", "", "commit id")
	c.Flags().StringVar(&path, "path", "", "file path")
	c.MarkFlagRequired("commit")
	c.MarkFlagRequired("path")

	return c
}

func fsSnapshotCmd() *cobra.Command {
	var commit, prefix string

	c := &cobra.Command{
		Use:   "snapshot",
		Short: "List the live files visible at a commit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := openFS(cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			var prefixPtr *string
			if prefix != "" {
				prefixPtr = &prefix
			}

			entries, err := f.Snapshot(cmd.Context(), commit, prefixPtr)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}

	c.Flags().StringVar(&commit, "commit", "", "commit id")
	c.Flags().StringVar(&prefix, "prefix", "", "restrict the snapshot to this path prefix")
	c.MarkFlagRequired("commit")

	return c
}

func fsMergeCmd() *cobra.Command {
	var mergeCommit, targetBranch string

	c := &cobra.Command{
		Use:   "merge",
		Short: "Finalize a merge commit, applying its three-way patch onto the target branch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := openFS(cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			var targetPtr *string
			if targetBranch != "" {
				targetPtr = &targetBranch
			}

			sp, _ := pterm.DefaultSpinner.WithText("Merging...").Start()
			result, err := f.FinalizeCommit(cmd.Context(), mergeCommit, targetPtr)
			if err != nil {
				sp.Fail(fmt.Sprintf("Merge failed: %s", err))
				return err
			}
			sp.Success("Merge complete")
			return printJSON(result)
		},
	}

	c.Flags().StringVar(&mergeCommit, "merge-commit", "", "merge commit id")
	c.Flags().StringVar(&targetBranch, "target-branch", "", "branch to advance to the merge commit; when omitted no branch is moved")
	c.MarkFlagRequired("merge-commit")

	return c
}

func fsRebaseCmd() *cobra.Command {
	var branch, onto, message string

	c := &cobra.Command{
		Use:   "rebase",
		Short: "Squash a branch's changes since the merge base into one commit on another branch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := openFS(cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			sp, _ := pterm.DefaultSpinner.WithText("Rebasing...").Start()
			result, err := f.RebaseBranch(cmd.Context(), branch, onto, message)
			if err != nil {
				sp.Fail(fmt.Sprintf("Rebase failed: %s", err))
				return err
			}
			sp.Success("Rebase complete")
			return printJSON(result)
		},
	}

	c.Flags().StringVar(&branch, "branch", "", "branch id to rebase")
	c.Flags().StringVar(&onto, "onto", "", "branch id to rebase onto")
	c.Flags().StringVar(&message, "message", "", "rebase commit message")
	c.MarkFlagRequired("branch")
	c.MarkFlagRequired("onto")
	c.MarkFlagRequired("message")

	return c
}

func fsExportCmd() *cobra.Command {
	var commit, prefix string

	c := &cobra.Command{
		Use:   "export",
		Short: "Export the live files visible at a commit as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := openFS(cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			var prefixPtr *string
			if prefix != "" {
				prefixPtr = &prefix
			}

			entries, err := f.Snapshot(cmd.Context(), commit, prefixPtr)
			if err != nil {
				return err
			}
			return printYAML(entries)
		},
	}

	c.Flags().StringVar(&commit, "commit", "", "commit id")
	c.Flags().StringVar(&prefix, "prefix", "", "restrict the export to this path prefix")
	c.MarkFlagRequired("commit")

	return c
}
