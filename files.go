package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/liveconnect-go/pkg/live"
)

// driveRoot is the path of the signed-in user's drive root.
const driveRoot = "me/drive/root"

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <api-path>",
		Short: "GET an API path and print the JSON response",
		Example: `  liveconnect get me
  liveconnect get "me/drive/root/children?\$select=name,size"`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <method> <api-path>",
		Short: "Send a write request (POST, PUT, PATCH, DELETE, MOVE, COPY)",
		Long: `Send a write request with an optional JSON body and print the response.

The body is given with --data, either inline or as @file. MOVE and COPY
take --destination instead of a body.`,
		Example: `  liveconnect call POST me/drive/root/children --data '{"name":"new","folder":{}}'
  liveconnect call MOVE me/drive/items/ABC --destination me/drive/items/DEF`,
		Args: cobra.ExactArgs(2),
		RunE: runCall,
	}

	cmd.Flags().String("data", "", "JSON request body, or @file to read it from a file")
	cmd.Flags().String("destination", "", "destination for MOVE and COPY")

	return cmd
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <remote-path> [local-path]",
		Short: "Download a file from the drive",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runDownload,
	}
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <local-path> [remote-folder]",
		Short: "Upload a file through a resumable upload session",
		Long: `Upload a file in chunks through an upload session. --policy decides what
happens when the target name already exists: fail, replace, or rename.
Interrupting the upload deletes the session on the server.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runUpload,
	}

	cmd.Flags().String("policy", "fail", "conflict policy: fail, replace or rename")
	cmd.Flags().String("name", "", "remote file name (default: local base name)")

	return cmd
}

// drivePath converts a slash-separated drive path into an API path
// addressing that item. "" and "/" address the root.
func drivePath(remote string) string {
	clean := strings.Trim(remote, "/")
	if clean == "" {
		return driveRoot
	}

	segments := strings.Split(clean, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return driveRoot + ":/" + strings.Join(segments, "/")
}

// driveContentPath addresses the content stream of a drive file.
func driveContentPath(remote string) string {
	return drivePath(remote) + ":/content"
}

// readBody resolves --data: inline JSON or @file. The result must be
// valid JSON.
func readBody(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}

	body := []byte(data)

	if strings.HasPrefix(data, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(data, "@"))
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}

		body = b
	}

	if !json.Valid(body) {
		return nil, errors.New("request body is not valid JSON")
	}

	return body, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	a, err := newApp(cc)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()

	v, err := a.client.Get(ctx, args[0])
	if err != nil {
		return notLoggedInHint(err)
	}

	return printJSON(v)
}

func runCall(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	method := strings.ToUpper(args[0])
	path := args[1]

	data, _ := cmd.Flags().GetString("data")               //nolint:errcheck // flag is registered
	destination, _ := cmd.Flags().GetString("destination") //nolint:errcheck // flag is registered

	var (
		body []byte
		err  error
	)

	switch method {
	case live.MethodMove, live.MethodCopy:
		if destination == "" {
			return fmt.Errorf("%s requires --destination", method)
		}
	default:
		if body, err = readBody(data); err != nil {
			return err
		}
	}

	a, err := newApp(cc)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()

	var v map[string]any

	switch method {
	case live.MethodMove:
		v, err = a.client.Move(ctx, path, destination)
	case live.MethodCopy:
		v, err = a.client.Copy(ctx, path, destination)
	default:
		v, err = callWrite(ctx, a.client, method, path, body)
	}

	if err != nil {
		return notLoggedInHint(err)
	}

	if v == nil {
		cc.Statusf("%s %s: done.\n", method, path)
		return nil
	}

	return printJSON(v)
}

func runDownload(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	remote := args[0]

	local := filepath.Base(strings.TrimRight(remote, "/"))
	if len(args) > 1 {
		local = args[1]
	}

	a, err := newApp(cc)
	if err != nil {
		return err
	}
	defer a.Close()

	// Download into a temp file next to the target so a failed or canceled
	// transfer never leaves a truncated file in place.
	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".partial-*")
	if err != nil {
		return fmt.Errorf("creating download file: %w", err)
	}

	tmpPath := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()
	loop := live.NewLoop()
	bar := newProgressBar(cc, remote)

	var done live.Result

	d, err := a.client.NewDownloadOperation(driveContentPath(remote), tmp, bar.update, loopOptions(loop, &done))
	if err != nil {
		return err
	}

	err = runOnLoop(ctx, loop, d.Operation, &done)
	bar.finish()

	if err != nil {
		return fmt.Errorf("downloading %s: %w", remote, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing download file: %w", err)
	}

	if err := os.Rename(tmpPath, local); err != nil {
		return fmt.Errorf("saving %s: %w", local, err)
	}

	committed = true

	cc.Logger.Info("download complete",
		slog.String("remote", remote),
		slog.String("local", local),
		slog.Int64("bytes", done.BytesTransferred),
	)
	cc.Statusf("Downloaded %s (%s)\n", local, formatSize(done.BytesTransferred))

	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	localPath := args[0]

	folder := ""
	if len(args) > 1 {
		folder = args[1]
	}

	policyFlag, _ := cmd.Flags().GetString("policy") //nolint:errcheck // flag is registered
	name, _ := cmd.Flags().GetString("name")         //nolint:errcheck // flag is registered

	policy, err := live.ParseOverwritePolicy(policyFlag)
	if err != nil {
		return err
	}

	if name == "" {
		name = filepath.Base(localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", localPath)
	}

	a, err := newApp(cc)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()
	loop := live.NewLoop()
	bar := newProgressBar(cc, name)

	var done live.Result

	u, err := a.client.NewUploadOperation(drivePath(folder), name, f, fi.Size(), policy, bar.update, loopOptions(loop, &done))
	if err != nil {
		return err
	}

	err = runOnLoop(ctx, loop, u.Operation, &done)
	bar.finish()

	if err != nil {
		if errors.Is(err, live.ErrConflict) {
			return fmt.Errorf("%s already exists in %q, use --policy replace or rename: %w", name, folder, err)
		}

		return fmt.Errorf("uploading %s: %w", localPath, err)
	}

	if cc.Flags.JSON {
		return printJSON(done.Value)
	}

	cc.Statusf("Uploaded %s (%s)\n", stringField(done.Value, "name"), formatSize(fi.Size()))

	return nil
}

// callWrite sends an arbitrary write method and waits for it.
func callWrite(ctx context.Context, client *live.Client, method, path string, body []byte) (map[string]any, error) {
	op, err := client.NewWriteOperation(method, path, body, live.Options{})
	if err != nil {
		return nil, err
	}

	if err := op.Execute(ctx); err != nil {
		return nil, err
	}

	res := op.Wait()

	if err := resultError(res); err != nil {
		return nil, err
	}

	return res.Value, nil
}
