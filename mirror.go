package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudsync-go/internal/mirror"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// errMirrorIncomplete is returned when a pass finished with conflicts or
// failures. The report has already been printed.
var errMirrorIncomplete = errors.New("mirror finished with conflicts or errors")

const metricsShutdownTimeout = 5 * time.Second

func newMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror <local-dir> <remote-dir>",
		Short: "Mirror a local folder into the cloud, one-way",
		Long: `Upload new and changed files from local-dir into remote-dir.

Unchanged files are skipped using a local state database, so repeated
runs only transfer what changed. A remote file that changed since the
last upload is reported as a conflict and never overwritten.

With --watch the command keeps running and mirrors again whenever local
files change.`,
		Args: cobra.ExactArgs(2),
		RunE: runMirror,
	}

	cmd.Flags().Bool("watch", false, "keep running and mirror local changes as they happen")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	return cmd
}

// reportJSON is the JSON output schema for one mirror pass.
type reportJSON struct {
	Uploaded  int           `json:"uploaded"`
	Skipped   int           `json:"skipped"`
	Ignored   int           `json:"ignored"`
	Conflicts []string      `json:"conflicts"`
	Errors    []failureJSON `json:"errors"`
}

type failureJSON struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func runMirror(cmd *cobra.Command, args []string) error {
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	metricsAddr, err := cmd.Flags().GetString("metrics-addr")
	if err != nil {
		return err
	}

	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	localDir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	remoteDir, err := cloudsync.CleanPath(args[1])
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		stop, err := serveMetrics(cc, metricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	c, rc, err := cc.openCloud(ctx)
	if err != nil {
		return err
	}

	statePath := mirror.StatePath(rc.StateDir, rc.Name, localDir, remoteDir)

	unlock, err := writePIDFile(lockPath(statePath))
	if err != nil {
		return err
	}
	defer unlock()

	store, err := mirror.OpenStore(ctx, statePath, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	eng, err := mirror.New(c, store, localDir, remoteDir, mirror.Options{
		Workers:      rc.Mirror.Workers,
		MaxFileSize:  rc.MaxFileSize,
		SkipDotfiles: rc.Mirror.SkipDotfiles,
		Debounce:     rc.Debounce,
	}, cc.Logger)
	if err != nil {
		return err
	}

	if watch {
		cc.Statusf("Watching %s for changes (Ctrl-C to stop)\n", localDir)

		return eng.Watch(ctx, func(rep *mirror.Report) {
			if err := printReport(cc, rep); err != nil {
				cc.Logger.Warn("printing report", "error", err)
			}
		})
	}

	rep, err := eng.Run(ctx)
	if err != nil {
		return err
	}

	if err := printReport(cc, rep); err != nil {
		return err
	}

	if !rep.OK() {
		return errMirrorIncomplete
	}

	return nil
}

func printReport(cc *CLIContext, rep *mirror.Report) error {
	if cc.Flags.JSON {
		out := reportJSON{
			Uploaded:  rep.Uploaded,
			Skipped:   rep.Skipped,
			Ignored:   rep.Ignored,
			Conflicts: append([]string{}, rep.Conflicts...),
			Errors:    make([]failureJSON, 0, len(rep.Failures)),
		}

		for _, f := range rep.Failures {
			out.Errors = append(out.Errors, failureJSON{Path: f.Path, Error: f.Err.Error()})
		}

		return printJSON(cc.Out, out)
	}

	fmt.Fprintf(cc.Out, "Uploaded %d, unchanged %d, ignored %d, conflicts %d, errors %d\n",
		rep.Uploaded, rep.Skipped, rep.Ignored, len(rep.Conflicts), len(rep.Failures))

	for _, p := range rep.Conflicts {
		fmt.Fprintf(cc.Out, "  conflict: %s (changed remotely, not overwritten)\n", p)
	}

	for _, f := range rep.Failures {
		fmt.Fprintf(cc.Out, "  error:    %s: %v\n", f.Path, f.Err)
	}

	return nil
}

// serveMetrics registers session metrics on a fresh registry and serves
// them over HTTP until stop is called.
func serveMetrics(cc *CLIContext, addr string) (stop func(), err error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cc.Metrics = cloudsync.NewMetrics(reg)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cc.Logger.Error("metrics server", "error", err)
		}
	}()

	cc.Logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		srv.Shutdown(ctx)
	}, nil
}
