package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/drivedav/internal/drive"
	"github.com/tonimelisma/drivedav/internal/vfs"
)

// File commands operate on the same filesystem the WebDAV server exposes,
// so paths are relative to drive.root.

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
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

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-path> [remote-path]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPut,
	}
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder",
		Long: `Delete a file or folder. Items go to the recycle bin unless drive.no_trash
is set or the account is a PDS domain.

Folder deletion is recursive; pass --recursive (-r) to confirm.`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}

	cmd.Flags().BoolP("recursive", "r", false, "confirm recursive folder deletion")

	return cmd
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder (recursive)",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
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

// openFileSystem locks the workdir, authenticates without interactive login
// and returns the filesystem plus a release func the caller must defer.
func openFileSystem(ctx context.Context) (*vfs.FileSystem, *slog.Logger, func(), error) {
	cfg := resolvedCfg
	logger := buildLogger()

	release, err := lockWorkdir(cfg.Workdir)
	if err != nil {
		return nil, nil, nil, err
	}

	sess, err := openSession(ctx, cfg, sessionDeps{httpClient: driveHTTPClient(), logger: logger})
	if err != nil {
		release()

		return nil, nil, nil, err
	}

	fsys, err := newFileSystem(cfg, sess.Client, logger)
	if err != nil {
		release()

		return nil, nil, nil, err
	}

	return fsys, logger, release, nil
}

// statItem returns the remote item behind name.
func statItem(ctx context.Context, fsys *vfs.FileSystem, name string) (drive.Item, error) {
	info, err := fsys.Stat(ctx, name)
	if err != nil {
		return drive.Item{}, err
	}

	item, ok := info.Sys().(drive.Item)
	if !ok {
		return drive.Item{}, fmt.Errorf("unexpected file info for %s", name)
	}

	return item, nil
}

func runLs(cmd *cobra.Command, args []string) error {
	remotePath := "/"
	if len(args) > 0 {
		remotePath = args[0]
	}

	ctx := cmd.Context()

	fsys, logger, release, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer release()

	logger.Debug("ls", "path", remotePath)

	items, err := listItems(ctx, fsys, remotePath)
	if err != nil {
		return fmt.Errorf("listing %q: %w", remotePath, err)
	}

	if flagJSON {
		return printItemsJSON(os.Stdout, items)
	}

	printItemsTable(os.Stdout, items)

	return nil
}

// listItems lists a folder, or returns the single item when p is a file.
func listItems(ctx context.Context, fsys *vfs.FileSystem, p string) ([]drive.Item, error) {
	item, err := statItem(ctx, fsys, p)
	if err != nil {
		return nil, err
	}

	if !item.IsFolder {
		return []drive.Item{item}, nil
	}

	return fsys.Resolver().List(ctx, p)
}

// lsJSONItem is the JSON output schema for a single item in ls output.
type lsJSONItem struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	IsFolder   bool   `json:"is_folder"`
	ModifiedAt string `json:"modified_at"`
	ID         string `json:"id"`
}

func printItemsJSON(w io.Writer, items []drive.Item) error {
	out := make([]lsJSONItem, 0, len(items))
	for i := range items {
		out = append(out, lsJSONItem{
			Name:       items[i].Name,
			Size:       items[i].Size,
			IsFolder:   items[i].IsFolder,
			ModifiedAt: items[i].ModifiedAt.UTC().Format(time.RFC3339),
			ID:         items[i].ID,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printItemsTable(w io.Writer, items []drive.Item) {
	sorted := make([]drive.Item, len(items))
	copy(sorted, items)

	// Folders first, then alphabetical.
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IsFolder != sorted[j].IsFolder {
			return sorted[i].IsFolder
		}

		return sorted[i].Name < sorted[j].Name
	})

	headers := []string{"NAME", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(sorted))

	for i := range sorted {
		name := sorted[i].Name
		size := formatSize(sorted[i].Size)

		if sorted[i].IsFolder {
			name += "/"
			size = "-"
		}

		rows = append(rows, []string{name, size, formatTime(sorted[i].ModifiedAt)})
	}

	printTable(w, headers, rows)
}

func runGet(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()

	fsys, logger, release, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer release()

	logger.Debug("get", "remote_path", remotePath)

	localPath := path.Base(remotePath)
	if len(args) > 1 {
		localPath = args[1]
	}

	n, err := downloadFile(ctx, fsys, remotePath, localPath)
	if err != nil {
		return err
	}

	logger.Debug("download complete", "local_path", localPath, "bytes", n)
	statusf(flagQuiet, "Downloaded %s (%s)\n", localPath, formatSize(n))

	return nil
}

// downloadFile copies a remote file to localPath through a .partial file
// renamed into place on success.
func downloadFile(ctx context.Context, fsys *vfs.FileSystem, remotePath, localPath string) (int64, error) {
	item, err := statItem(ctx, fsys, remotePath)
	if err != nil {
		return 0, fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	if item.IsFolder {
		return 0, fmt.Errorf("%q is a folder, not a file", remotePath)
	}

	src, err := fsys.OpenFile(ctx, remotePath, os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("opening %q: %w", remotePath, err)
	}
	defer src.Close()

	partialPath := localPath + ".partial"

	dst, err := os.Create(partialPath)
	if err != nil {
		return 0, fmt.Errorf("creating %q: %w", partialPath, err)
	}

	var w io.Writer = dst

	hasher := contentHasher(&item)
	if hasher != nil {
		w = io.MultiWriter(dst, hasher)
	}

	n, err := io.Copy(w, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = verifyContentHash(&item, hasher)
	}

	if err != nil {
		os.Remove(partialPath)

		return 0, fmt.Errorf("downloading %q: %w", remotePath, err)
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		return 0, fmt.Errorf("renaming download to %q: %w", localPath, err)
	}

	return n, nil
}

func runPut(cmd *cobra.Command, args []string) error {
	localPath := args[0]
	ctx := cmd.Context()

	remotePath := "/" + filepath.Base(localPath)
	if len(args) > 1 {
		remotePath = args[1]
	}

	fsys, logger, release, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer release()

	logger.Debug("put", "local_path", localPath, "remote_path", remotePath)

	n, err := uploadFile(ctx, fsys, localPath, remotePath)
	if err != nil {
		return err
	}

	statusf(flagQuiet, "Uploaded %s (%s)\n", remotePath, formatSize(n))

	return nil
}

// uploadFile copies a local file to remotePath. A remote path ending in "/"
// or naming a folder receives the file under its local name.
func uploadFile(ctx context.Context, fsys *vfs.FileSystem, localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("opening %q: %w", localPath, err)
	}
	defer src.Close()

	if strings.HasSuffix(remotePath, "/") {
		remotePath = path.Join(remotePath, filepath.Base(localPath))
	} else if item, err := statItem(ctx, fsys, remotePath); err == nil && item.IsFolder {
		remotePath = path.Join(remotePath, filepath.Base(localPath))
	}

	dst, err := fsys.OpenFile(ctx, remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening %q for upload: %w", remotePath, err)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()

		return 0, fmt.Errorf("spooling %q: %w", localPath, err)
	}

	// Close performs the upload.
	if err := dst.Close(); err != nil {
		return 0, fmt.Errorf("uploading %q: %w", remotePath, err)
	}

	return n, nil
}

// rmJSONOutput is the JSON output schema for the rm command.
type rmJSONOutput struct {
	Deleted string `json:"deleted"`
}

func runRm(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	fsys, logger, release, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer release()

	logger.Debug("rm", "path", remotePath)

	if err := removePath(ctx, fsys, remotePath, recursive); err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rmJSONOutput{Deleted: remotePath})
	}

	statusf(flagQuiet, "Deleted %s\n", remotePath)

	return nil
}

func removePath(ctx context.Context, fsys *vfs.FileSystem, remotePath string, recursive bool) error {
	if fsys.Resolver().IsRoot(path.Clean("/" + remotePath)) {
		return errors.New("cannot delete the root folder")
	}

	item, err := statItem(ctx, fsys, remotePath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	if item.IsFolder && !recursive {
		return fmt.Errorf("cannot delete folder %q without --recursive (-r) flag", remotePath)
	}

	if err := fsys.RemoveAll(ctx, remotePath); err != nil {
		return fmt.Errorf("deleting %q: %w", remotePath, err)
	}

	return nil
}

// mkdirJSONOutput is the JSON output schema for the mkdir command.
type mkdirJSONOutput struct {
	Created string `json:"created"`
}

func runMkdir(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()

	fsys, logger, release, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer release()

	logger.Debug("mkdir", "path", remotePath)

	if err := mkdirAll(ctx, fsys, remotePath); err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(mkdirJSONOutput{Created: remotePath})
	}

	statusf(flagQuiet, "Created %s\n", remotePath)

	return nil
}

// mkdirAll walks the path segments, creating each missing folder.
func mkdirAll(ctx context.Context, fsys *vfs.FileSystem, remotePath string) error {
	clean := strings.Trim(path.Clean("/"+remotePath), "/")
	if clean == "" {
		return errors.New("cannot create root folder")
	}

	built := ""

	for _, seg := range strings.Split(clean, "/") {
		built += "/" + seg

		item, err := statItem(ctx, fsys, built)
		if err == nil {
			if !item.IsFolder {
				return fmt.Errorf("%q exists and is not a folder", built)
			}

			continue
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("resolving %q: %w", built, err)
		}

		if err := fsys.Mkdir(ctx, built, 0o755); err != nil {
			return fmt.Errorf("creating folder %q: %w", built, err)
		}
	}

	return nil
}

func runStat(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()

	fsys, logger, release, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer release()

	logger.Debug("stat", "path", remotePath)

	item, err := statItem(ctx, fsys, remotePath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	if flagJSON {
		return printStatJSON(os.Stdout, &item)
	}

	return printStatText(os.Stdout, &item)
}

// statJSONOutput is the JSON output schema for the stat command.
type statJSONOutput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	IsFolder    bool   `json:"is_folder"`
	ModifiedAt  string `json:"modified_at"`
	CreatedAt   string `json:"created_at"`
	ContentHash string `json:"content_hash,omitempty"`
}

func printStatJSON(w io.Writer, item *drive.Item) error {
	out := statJSONOutput{
		ID:          item.ID,
		Name:        item.Name,
		Size:        item.Size,
		IsFolder:    item.IsFolder,
		ModifiedAt:  item.ModifiedAt.UTC().Format(time.RFC3339),
		CreatedAt:   item.CreatedAt.UTC().Format(time.RFC3339),
		ContentHash: item.ContentHash,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printStatText(w io.Writer, item *drive.Item) error {
	itemType := "file"
	if item.IsFolder {
		itemType = "folder"
	}

	ew := &errWriter{w: w}
	ew.printf("Name:     %s\n", item.Name)
	ew.printf("Type:     %s\n", itemType)
	ew.printf("Size:     %s (%d bytes)\n", formatSize(item.Size), item.Size)
	ew.printf("Modified: %s\n", item.ModifiedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	ew.printf("Created:  %s\n", item.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	ew.printf("ID:       %s\n", item.ID)

	if item.ContentHash != "" {
		ew.printf("Hash:     %s:%s\n", item.ContentHashName, item.ContentHash)
	}

	return ew.err
}
