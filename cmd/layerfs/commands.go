package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/internal/config"
	"github.com/absfs/layerfs/zipfs"
)

type app struct {
	configPath string
	logLevel   string
	logFile    string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "layerfs",
		Short: "Inspect and modify layered virtual filesystems",
		Long: `layerfs builds the VFS stack described by a YAML file and runs a single
operation against it. Several layers form a union, top first.

Example:
  layerfs --config stack.yaml ls -r
  echo hello | layerfs --config stack.yaml put a/b.txt`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "layerfs.yaml", "Stack configuration file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (overrides the configuration)")
	rootCmd.PersistentFlags().StringVar(&a.logFile, "log-file", "", "Also log to this rotating file")

	rootCmd.AddCommand(
		a.lsCmd(),
		a.catCmd(),
		a.putCmd(),
		a.rmCmd(),
		a.digestCmd(),
		a.capsCmd(),
		a.packCmd(),
		a.serveCmd(),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFile != "" {
		cfg.Log.File = a.logFile
	}
	if err := setupLogging(cfg.Log); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	a.cfg = cfg
	return nil
}

// withStack builds the stack, runs fn and closes the stack, reporting the
// first error.
func (a *app) withStack(fn func(v layerfs.VFS) error) (err error) {
	v, err := config.Build(a.cfg)
	if err != nil {
		return err
	}
	log.Debug().Str("vfs", v.Description()).Msg("layerfs: stack opened")
	defer func() {
		if cerr := v.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(v)
}

// parsePath accepts '/'-separated paths with optional leading and trailing
// slashes; an empty path is the root.
func parsePath(arg string) (layerfs.Path, error) {
	arg = strings.Trim(arg, "/")
	if arg == "" {
		return layerfs.Root, nil
	}
	return layerfs.ParsePath(arg, layerfs.Separator)
}

func optionalPath(args []string) (layerfs.Path, error) {
	if len(args) == 0 {
		return layerfs.Root, nil
	}
	return parsePath(args[0])
}

func (a *app) lsCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := optionalPath(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return a.withStack(func(v layerfs.VFS) error {
				d, err := layerfs.GetDir(v.Root(), p)
				if err != nil {
					return err
				}
				if !recursive {
					children, err := d.List()
					if err != nil {
						return err
					}
					for _, c := range children {
						fmt.Fprintln(out, entryLine(layerfs.Root.Child(c.Name()), c))
					}
					return nil
				}
				return layerfs.Walk(d, func(rel layerfs.Path, e layerfs.Element) error {
					if !rel.IsRoot() {
						fmt.Fprintln(out, entryLine(rel, e))
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "List the whole subtree")
	return cmd
}

func entryLine(p layerfs.Path, e layerfs.Element) string {
	if layerfs.IsDir(e) {
		return p.String() + "/"
	}
	return p.String()
}

func (a *app) catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return a.withStack(func(v layerfs.VFS) error {
				f, err := layerfs.GetFile(v.Root(), p)
				if err != nil {
					return err
				}
				r, err := f.Open()
				if err != nil {
					return err
				}
				defer r.Close()
				_, err = io.Copy(cmd.OutOrStdout(), r)
				return err
			})
		},
	}
}

func (a *app) putCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "Write a file from standard input or --from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePath(args[0])
			if err != nil {
				return err
			}
			src := cmd.InOrStdin()
			if from != "" {
				f, err := os.Open(from)
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			return a.withStack(func(v layerfs.VFS) error {
				f, err := layerfs.CreateFile(v.Root(), p)
				if err != nil {
					return err
				}
				w, err := f.Create()
				if err != nil {
					return err
				}
				if _, err := io.Copy(w, src); err != nil {
					return errors.Join(err, w.Close())
				}
				return w.Close()
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Read the content from this local file")
	return cmd
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or a directory tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePath(args[0])
			if err != nil {
				return err
			}
			if p.IsRoot() {
				return fmt.Errorf("refusing to delete the root")
			}
			return a.withStack(func(v layerfs.VFS) error {
				e, err := layerfs.Lookup(v.Root(), p)
				if err != nil {
					return err
				}
				switch e := e.(type) {
				case layerfs.Dir:
					return e.Delete()
				case layerfs.File:
					return e.Delete()
				}
				return layerfs.PathError("delete", p, layerfs.ErrNotFileOrDirectory)
			})
		},
	}
}

// wholeDigest is implemented by stacks that digest their whole content.
type wholeDigest interface {
	Digest() string
}

func (a *app) digestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest [path]",
		Short: "Print recorded content digests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := optionalPath(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return a.withStack(func(v layerfs.VFS) error {
				if !v.Capabilities().Has(layerfs.Digest) {
					log.Warn().Str("vfs", v.Description()).Msg("layerfs: stack does not record digests")
				}
				e, err := layerfs.Lookup(v.Root(), p)
				if err != nil {
					return err
				}
				if f, ok := e.(layerfs.File); ok {
					return printDigest(out, p, f)
				}
				err = layerfs.Walk(e.(layerfs.Dir), func(rel layerfs.Path, e layerfs.Element) error {
					if f, ok := e.(layerfs.File); ok {
						return printDigest(out, p.Append(rel), f)
					}
					return nil
				})
				if err != nil {
					return err
				}
				if w, ok := v.(wholeDigest); ok && p.IsRoot() {
					fmt.Fprintf(out, "%s  (all)\n", w.Digest())
				}
				return nil
			})
		},
	}
}

func printDigest(out io.Writer, p layerfs.Path, f layerfs.File) error {
	d, ok := f.Digest()
	if !ok {
		d = "-"
	}
	_, err := fmt.Fprintf(out, "%s  %s\n", d, p)
	return err
}

func (a *app) capsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Print the capabilities of the stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return a.withStack(func(v layerfs.VFS) error {
				fmt.Fprintf(out, "description: %s\n", v.Description())
				fmt.Fprintf(out, "capabilities: %s\n", v.Capabilities())
				fmt.Fprintf(out, "sequential writing: %t\n", v.NeedsSequentialWriting())
				return nil
			})
		},
	}
}

func (a *app) packCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pack <archive.zip> [path]",
		Short: "Copy the stack, or a subtree of it, into a new zip archive",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := optionalPath(args[1:])
			if err != nil {
				return err
			}
			return a.withStack(func(v layerfs.VFS) error {
				src, err := layerfs.GetDir(v.Root(), p)
				if err != nil {
					return err
				}
				dst, err := zipfs.Create(args[0])
				if err != nil {
					return err
				}
				err = layerfs.Copy(dst.Root(), src, layerfs.WithCopyBufferSize(a.cfg.Union.CopyBufferSize))
				if cerr := dst.Close(); err == nil {
					err = cerr
				}
				if err == nil {
					log.Info().Str("archive", args[0]).Str("from", p.String()).Msg("layerfs: packed")
				}
				return err
			})
		},
	}
}
