package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/objectfs/storagehub/internal/adapter"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// scope holds the --visibility and --owner flags of path based commands.
type scope struct {
	visibility string
	owner      string
}

func (s *scope) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.visibility, "visibility", "PRIVATE", "PRIVATE, PUBLIC or USER_INFO")
	cmd.Flags().StringVar(&s.owner, "owner", "", "owner id prefixed to PRIVATE keys")
}

func (s *scope) parse() (types.Visibility, error) {
	return types.ParseVisibility(s.visibility)
}

// withBackend boots an adapter and runs fn against the active backend.
func (c *cli) withBackend(cmd *cobra.Command, fn func(ctx context.Context, b types.Backend) error) error {
	return c.run(cmd, func(ctx context.Context, a *adapter.Adapter) error {
		b, err := a.Current()
		if err != nil {
			return err
		}
		return fn(ctx, b)
	})
}

func newPutCmd(c *cli) *cobra.Command {
	var s scope
	var contentType string
	cmd := &cobra.Command{
		Use:   "put <file> <path>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vis, err := s.parse()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			if info.IsDir() {
				return errors.Newf(errors.ErrCodeInvalidInput, "%s is a directory", args[0])
			}
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(args[0]))
			}

			return c.withBackend(cmd, func(ctx context.Context, b types.Backend) error {
				res, err := b.Upload(ctx, types.UploadUnit{
					Body:        f,
					Size:        info.Size(),
					Visibility:  vis,
					OwnerID:     s.owner,
					Path:        args[1],
					ContentType: contentType,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s %s\n",
					res.Bucket, res.Key, humanize.IBytes(uint64(res.Size)), res.Strategy)
				return nil
			})
		},
	}
	s.register(cmd)
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (guessed from the extension when empty)")
	return cmd
}

func newLsCmd(c *cli) *cobra.Command {
	var s scope
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List the direct content of a folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vis, err := s.parse()
			if err != nil {
				return err
			}
			var folder string
			if len(args) == 1 {
				folder = args[0]
			}
			return c.withBackend(cmd, func(ctx context.Context, b types.Backend) error {
				listing, err := b.ListFolder(ctx, folder, vis, s.owner)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				for _, d := range listing.Folders {
					fmt.Fprintf(w, "%s/\t-\t-\n", d.Name)
				}
				for _, f := range listing.Files {
					fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name,
						humanize.IBytes(uint64(f.Size)), humanize.Time(f.LastModified))
				}
				return w.Flush()
			})
		},
	}
	s.register(cmd)
	return cmd
}

// pathCmd builds a command that applies op to its path arguments.
func pathCmd(c *cli, use, short string, args int, op func(ctx context.Context, b types.Backend, vis types.Visibility, owner string, args []string) error) *cobra.Command {
	var s scope
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(args),
		RunE: func(cmd *cobra.Command, argv []string) error {
			vis, err := s.parse()
			if err != nil {
				return err
			}
			return c.withBackend(cmd, func(ctx context.Context, b types.Backend) error {
				return op(ctx, b, vis, s.owner, argv)
			})
		},
	}
	s.register(cmd)
	return cmd
}

func newMkdirCmd(c *cli) *cobra.Command {
	return pathCmd(c, "mkdir <path>", "Create a folder", 1,
		func(ctx context.Context, b types.Backend, vis types.Visibility, owner string, args []string) error {
			return b.CreateFolder(ctx, args[0], vis, owner)
		})
}

func newRmCmd(c *cli) *cobra.Command {
	return pathCmd(c, "rm <path>", "Delete an object", 1,
		func(ctx context.Context, b types.Backend, vis types.Visibility, owner string, args []string) error {
			return b.DeleteObject(ctx, args[0], vis, owner)
		})
}

func newRmdirCmd(c *cli) *cobra.Command {
	return pathCmd(c, "rmdir <path>", "Delete a folder and everything below it", 1,
		func(ctx context.Context, b types.Backend, vis types.Visibility, owner string, args []string) error {
			return b.DeleteFolder(ctx, args[0], vis, owner)
		})
}

func newMvCmd(c *cli) *cobra.Command {
	return pathCmd(c, "mv <src> <dst>", "Move an object or folder", 2,
		func(ctx context.Context, b types.Backend, vis types.Visibility, owner string, args []string) error {
			return b.Move(ctx, args[0], args[1], vis, owner)
		})
}

func newRenameCmd(c *cli) *cobra.Command {
	return pathCmd(c, "rename <path> <name>", "Rename an object or folder in place", 2,
		func(ctx context.Context, b types.Backend, vis types.Visibility, owner string, args []string) error {
			return b.Rename(ctx, args[0], args[1], vis, owner)
		})
}

func newLinkCmd(c *cli) *cobra.Command {
	var preview bool
	var name string
	cmd := &cobra.Command{
		Use:   "link <key>",
		Short: "Print a download or preview link for a private object",
		Long: `Print a download or preview link for a private object.

The key is the stored key, owner prefix included, e.g. 42/docs/report.pdf.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd, func(ctx context.Context, b types.Backend) error {
				var link string
				var err error
				if preview {
					link, err = b.GeneratePreviewLink(ctx, args[0])
				} else {
					link, err = b.GenerateDownloadLink(ctx, args[0], name)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), link)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&preview, "preview", false, "generate an inline preview link")
	cmd.Flags().StringVar(&name, "name", "", "download file name (defaults to the key's base name)")
	return cmd
}

func newCatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <key>",
		Short: "Stream a private object to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd, func(ctx context.Context, b types.Backend) error {
				streamer, ok := b.(types.DirectStreamer)
				if !ok || !b.SupportsDirectStream() {
					return errors.Newf(errors.ErrCodeInvalidInput,
						"%s backend does not stream objects; use link instead", b.Kind())
				}
				stream, err := streamer.OpenStream(ctx, args[0])
				if err != nil {
					return err
				}
				defer stream.Body.Close()
				_, err = io.Copy(cmd.OutOrStdout(), stream.Body)
				return err
			})
		},
	}
}
