package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// partialSuffix marks a download in progress.
const partialSuffix = ".partial"

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Display file or folder metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <remote-path>",
		Short: "Write a file's contents to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  runCat,
	}
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path> [remote-path]",
		Short: "Upload a file",
		Long: `Upload a local file. When remote-path names an existing folder, the
file is uploaded into it under its local name. An existing remote file is
only replaced with --overwrite.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runPut,
	}

	cmd.Flags().Bool("overwrite", false, "replace an existing remote file")

	return cmd
}

func newMkdirCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}

	cmd.Flags().BoolP("parents", "p", false, "create missing parent folders; no error if it exists")

	return cmd
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <source> <destination>",
		Short: "Move or rename a file or folder",
		Long: `Move or rename a file or folder. When destination is an existing
folder, the source is moved into it. An occupied destination is an error.`,
		Args: cobra.ExactArgs(2),
		RunE: runMv,
	}
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder",
		Long: `Delete a file or folder. Folder deletion is recursive, so it requires
--recursive (-r) to confirm intent.`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}

	cmd.Flags().BoolP("recursive", "r", false, "confirm recursive folder deletion")

	return cmd
}

// resourceJSON is the JSON output schema for ls and stat.
type resourceJSON struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	IsFolder   bool   `json:"is_folder"`
	Size       int64  `json:"size"`
	Revision   string `json:"revision,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
	ID         string `json:"id,omitempty"`
}

func toJSON(r cloudsync.Resource) resourceJSON {
	out := resourceJSON{Name: r.Name(), Path: r.Path(), ID: r.ID()}

	if !r.LastModified().IsZero() {
		out.ModifiedAt = r.LastModified().UTC().Format(time.RFC3339)
	}

	switch v := r.(type) {
	case *cloudsync.Directory:
		out.IsFolder = true
	case *cloudsync.File:
		out.Size = v.Size()
		out.Revision = v.Revision()
	}

	return out
}

func runLs(cmd *cobra.Command, args []string) error {
	remotePath := cloudsync.RootPath
	if len(args) > 0 {
		remotePath = args[0]
	}

	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	c, _, err := cc.openCloud(ctx)
	if err != nil {
		return err
	}

	cc.Logger.Debug("ls", "path", remotePath)

	dir, err := resolveDirectory(ctx, c, remotePath)
	if err != nil {
		return err
	}

	items, err := dir.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing %q: %w", remotePath, err)
	}

	// Folders first, then alphabetical.
	sort.Slice(items, func(i, j int) bool {
		_, di := items[i].(*cloudsync.Directory)
		_, dj := items[j].(*cloudsync.Directory)

		if di != dj {
			return di
		}

		return items[i].Name() < items[j].Name()
	})

	if cc.Flags.JSON {
		out := make([]resourceJSON, 0, len(items))
		for _, it := range items {
			out = append(out, toJSON(it))
		}

		return printJSON(cc.Out, out)
	}

	rows := make([][]string, 0, len(items))

	for _, it := range items {
		name, size := it.Name(), ""

		switch v := it.(type) {
		case *cloudsync.Directory:
			name += "/"
		case *cloudsync.File:
			size = formatSize(v.Size())
		}

		modified := ""
		if !it.LastModified().IsZero() {
			modified = formatTime(it.LastModified())
		}

		rows = append(rows, []string{name, size, modified})
	}

	printTable(cc.Out, []string{"NAME", "SIZE", "MODIFIED"}, rows)

	return nil
}

func runStat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	c, _, err := cc.openCloud(ctx)
	if err != nil {
		return err
	}

	r, err := c.Resolve(ctx, args[0])
	if err != nil {
		return fmt.Errorf("stat %q: %w", args[0], err)
	}

	info := toJSON(r)

	if cc.Flags.JSON {
		return printJSON(cc.Out, info)
	}

	kind := "file"
	if info.IsFolder {
		kind = "folder"
	}

	fmt.Fprintf(cc.Out, "Name:     %s\n", info.Name)
	fmt.Fprintf(cc.Out, "Path:     %s\n", info.Path)
	fmt.Fprintf(cc.Out, "Type:     %s\n", kind)

	if !info.IsFolder {
		fmt.Fprintf(cc.Out, "Size:     %s (%d bytes)\n", formatSize(info.Size), info.Size)
	}

	if info.ModifiedAt != "" {
		fmt.Fprintf(cc.Out, "Modified: %s\n", info.ModifiedAt)
	}

	if info.Revision != "" {
		fmt.Fprintf(cc.Out, "Revision: %s\n", info.Revision)
	}

	if info.ID != "" {
		fmt.Fprintf(cc.Out, "ID:       %s\n", info.ID)
	}

	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	c, _, err := cc.openCloud(ctx)
	if err != nil {
		return err
	}

	f, err := resolveFile(ctx, c, args[0])
	if err != nil {
		return err
	}

	localPath := f.Name()
	if len(args) > 1 {
		localPath = args[1]
	}

	if info, statErr := os.Stat(localPath); statErr == nil && info.IsDir() {
		localPath = filepath.Join(localPath, f.Name())
	}

	n, err := downloadTo(ctx, f, localPath)
	if err != nil {
		return err
	}

	cc.Statusf("Downloaded %s to %s (%s)\n", f.Path(), localPath, formatSize(n))

	return nil
}

// downloadTo streams f into a .partial file next to localPath and renames
// it into place once complete, so an interrupted transfer never leaves a
// truncated file under the final name.
func downloadTo(ctx context.Context, f *cloudsync.File, localPath string) (int64, error) {
	body, err := f.Download(ctx)
	if err != nil {
		return 0, fmt.Errorf("downloading %s: %w", f.Path(), err)
	}
	defer body.Close()

	partial := localPath + partialSuffix

	out, err := os.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", partial, err)
	}

	n, copyErr := io.Copy(out, body)
	closeErr := out.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("downloading %s: %w", f.Path(), err)
	}

	if err := os.Rename(partial, localPath); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("renaming %s: %w", partial, err)
	}

	return n, nil
}

func runCat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	c, _, err := cc.openCloud(ctx)
	if err != nil {
		return err
	}

	f, err := resolveFile(ctx, c, args[0])
	if err != nil {
		return err
	}

	body, err := f.Download(ctx)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", f.Path(), err)
	}
	defer body.Close()

	if _, err := io.Copy(cc.Out, body); err != nil {
		return fmt.Errorf("downloading %s: %w", f.Path(), err)
	}

	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	overwrite, err := cmd.Flags().GetBool("overwrite")
	if err != nil {
		return err
	}

	localPath := args[0]

	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", localPath)
	}

	c, _, err := cc.openCloud(ctx)
	if err != nil {
		return err
	}

	target := cloudsync.RootPath
	if len(args) > 1 {
		target = args[1]
	}

	parent, name, err := uploadTarget(ctx, c, target, filepath.Base(localPath))
	if err != nil {
		return err
	}

	f, err := putFile(ctx, parent, name, localPath, overwrite)
	if err != nil {
		return err
	}

	cc.Statusf("Uploaded %s to %s (%s)\n", localPath, f.Path(), formatSize(f.Size()))

	return nil
}

// uploadTarget returns the folder and name a put should write. A target
// naming an existing folder receives the file under localName.
func uploadTarget(ctx context.Context, c *cloudsync.Cloud, target, localName string) (*cloudsync.Directory, string, error) {
	clean, err := cloudsync.CleanPath(target)
	if err != nil {
		return nil, "", err
	}

	r, err := c.Resolve(ctx, clean)

	switch {
	case err == nil:
		if d, ok := r.(*cloudsync.Directory); ok {
			return d, localName, nil
		}
	case !cloudsync.IsKind(err, cloudsync.KindNoSuchResource):
		return nil, "", err
	}

	parent, err := resolveDirectory(ctx, c, cloudsync.ParentPath(clean))
	if err != nil {
		return nil, "", err
	}

	return parent, cloudsync.BaseName(clean), nil
}

func putFile(ctx context.Context, parent *cloudsync.Directory, name, localPath string, overwrite bool) (*cloudsync.File, error) {
	fh, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	f, err := parent.Upload(ctx, name, fh)
	if err == nil {
		return f, nil
	}

	if !cloudsync.IsKind(err, cloudsync.KindResourceConflict) {
		return nil, fmt.Errorf("uploading %s: %w", localPath, err)
	}

	if !overwrite {
		return nil, fmt.Errorf("%s already exists in %s; use --overwrite to replace it: %w", name, parent.Path(), err)
	}

	existing, err := parent.File(ctx, name)
	if err != nil {
		return nil, err
	}

	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if err := existing.Write(ctx, fh); err != nil {
		return nil, fmt.Errorf("replacing %s: %w", existing.Path(), err)
	}

	return existing, nil
}

func runMkdir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	parents, err := cmd.Flags().GetBool("parents")
	if err != nil {
		return err
	}

	clean, err := cloudsync.CleanPath(args[0])
	if err != nil {
		return err
	}

	c, _, err := cc.openCloud(ctx)
	if err != nil {
		return err
	}

	var dir *cloudsync.Directory

	if parents {
		dir, err = mkdirAll(ctx, c, clean)
	} else {
		var parent *cloudsync.Directory

		parent, err = resolveDirectory(ctx, c, cloudsync.ParentPath(clean))
		if err == nil {
			dir, err = parent.CreateDirectory(ctx, cloudsync.BaseName(clean))
		}
	}

	if err != nil {
		return fmt.Errorf("creating folder %q: %w", clean, err)
	}

	cc.Statusf("Created %s\n", dir.Path())

	return nil
}

// mkdirAll creates every missing folder along p.
func mkdirAll(ctx context.Context, c *cloudsync.Cloud, p string) (*cloudsync.Directory, error) {
	dir, err := c.Root()
	if err != nil {
		return nil, err
	}

	for _, seg := range cloudsync.SplitPath(p) {
		next, err := dir.Directory(ctx, seg)
		if cloudsync.IsKind(err, cloudsync.KindNoSuchResource) {
			next, err = dir.CreateDirectory(ctx, seg)
		}

		if err != nil {
			return nil, err
		}

		dir = next
	}

	return dir, nil
}

func runMv(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	c, _, err := cc.openCloud(ctx)
	if err != nil {
		return err
	}

	src, err := c.Resolve(ctx, args[0])
	if err != nil {
		return fmt.Errorf("mv %q: %w", args[0], err)
	}

	dst, err := cloudsync.CleanPath(args[1])
	if err != nil {
		return err
	}

	if r, resolveErr := c.Resolve(ctx, dst); resolveErr == nil {
		if _, isDir := r.(*cloudsync.Directory); isDir {
			if dst, err = cloudsync.JoinPath(dst, src.Name()); err != nil {
				return err
			}
		}
	}

	moved, err := src.Rename(ctx, dst)
	if err != nil {
		return fmt.Errorf("moving %s to %s: %w", src.Path(), dst, err)
	}

	cc.Statusf("Moved %s to %s\n", src.Path(), moved.Path())

	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	c, _, err := cc.openCloud(ctx)
	if err != nil {
		return err
	}

	r, err := c.Resolve(ctx, args[0])
	if err != nil {
		return fmt.Errorf("rm %q: %w", args[0], err)
	}

	if _, isDir := r.(*cloudsync.Directory); isDir && !recursive {
		return fmt.Errorf("%s is a folder; use -r to delete it and its contents", r.Path())
	}

	if err := r.Remove(ctx); err != nil {
		return fmt.Errorf("deleting %s: %w", r.Path(), err)
	}

	cc.Statusf("Deleted %s\n", r.Path())

	return nil
}

// resolveDirectory resolves p and requires it to be a folder.
func resolveDirectory(ctx context.Context, c *cloudsync.Cloud, p string) (*cloudsync.Directory, error) {
	r, err := c.Resolve(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", p, err)
	}

	d, ok := r.(*cloudsync.Directory)
	if !ok {
		return nil, fmt.Errorf("%s is not a folder", r.Path())
	}

	return d, nil
}

// resolveFile resolves p and requires it to be a file.
func resolveFile(ctx context.Context, c *cloudsync.Cloud, p string) (*cloudsync.File, error) {
	r, err := c.Resolve(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", p, err)
	}

	f, ok := r.(*cloudsync.File)
	if !ok {
		return nil, fmt.Errorf("%s is a folder", r.Path())
	}

	return f, nil
}
