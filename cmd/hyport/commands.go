package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/hyport/pkg/dispatch"
	"github.com/jacktea/hyport/pkg/drive"
	"github.com/jacktea/hyport/pkg/server/fuse"
	"github.com/jacktea/hyport/pkg/server/httpapi"
	"github.com/jacktea/hyport/pkg/server/middleware"
	"github.com/jacktea/hyport/pkg/server/nfs"
	"github.com/jacktea/hyport/pkg/server/s3gw"
)

func newMountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the drive via FUSE until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := fuse.Options{
				FsName:       viper.GetString("mount.fsname"),
				AttrTimeout:  viper.GetDuration("mount.attr_timeout"),
				EntryTimeout: viper.GetDuration("mount.entry_timeout"),
				AllowOther:   viper.GetBool("mount.allow_other"),
				Debug:        viper.GetBool("debug"),
				Logger:       application.log,
			}
			if opts.FsName == "" {
				opts.FsName = application.drive.Name()
			}
			return runWithMetrics(application.ctx, func(ctx context.Context) error {
				return fuse.Mount(ctx, application.d, args[0], opts)
			})
		},
	}
	cmd.Flags().String("fsname", "", "source name shown by mount(8) (default: drive type)")
	cmd.Flags().Duration("attr-timeout", 2*time.Second, "kernel attribute cache lifetime")
	cmd.Flags().Duration("entry-timeout", 2*time.Second, "kernel name lookup cache lifetime")
	cmd.Flags().Bool("allow-other", false, "allow other users to access the mount")
	bindConfig("mount.fsname", cmd.Flags().Lookup("fsname"))
	bindConfig("mount.attr_timeout", cmd.Flags().Lookup("attr-timeout"))
	bindConfig("mount.entry_timeout", cmd.Flags().Lookup("entry-timeout"))
	bindConfig("mount.allow_other", cmd.Flags().Lookup("allow-other"))
	return cmd
}

func newServeNFSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-nfs",
		Short: "Expose the drive over NFSv3",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := nfs.Options{
				Export:      viper.GetString("serve_nfs.export"),
				HandleCache: viper.GetInt("serve_nfs.handle_cache"),
				Logger:      application.log,
			}
			addr := viper.GetString("serve_nfs.addr")
			return runWithMetrics(application.ctx, func(ctx context.Context) error {
				return nfs.Serve(ctx, application.d, addr, opts)
			})
		},
	}
	cmd.Flags().String("addr", ":2049", "listen address")
	cmd.Flags().String("export", "/", "drive path to export")
	cmd.Flags().Int("handle-cache", 1024, "number of cached NFS file handles")
	bindConfig("serve_nfs.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_nfs.export", cmd.Flags().Lookup("export"))
	bindConfig("serve_nfs.handle_cache", cmd.Flags().Lookup("handle-cache"))
	return cmd
}

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Expose the drive over an HTTP+JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := &httpapi.Server{
				D:   application.d,
				Log: application.log,
				Opts: httpapi.Options{
					APIKey: viper.GetString("serve_http.api_key"),
					RateLimit: middleware.RateLimitOptions{
						Requests: viper.GetInt("serve_http.rate_limit"),
						Window:   viper.GetDuration("serve_http.rate_window"),
					},
					DefaultPageSize: viper.GetInt("serve_http.page_size"),
					MaxPageSize:     viper.GetInt("serve_http.max_page_size"),
				},
			}
			addr := viper.GetString("serve_http.addr")
			return runWithMetrics(application.ctx, func(ctx context.Context) error {
				return srv.Start(ctx, addr)
			})
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require this key via X-API-Key or a Bearer token")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per client per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Int("page-size", 100, "default directory listing page size")
	cmd.Flags().Int("max-page-size", 1000, "largest directory listing page a client may request")
	bindConfig("serve_http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_http.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve_http.page_size", cmd.Flags().Lookup("page-size"))
	bindConfig("serve_http.max_page_size", cmd.Flags().Lookup("max-page-size"))
	return cmd
}

func newServeS3Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-s3",
		Short: "Expose the drive through an S3-compatible gateway",
		Long: `Serves top-level directories as buckets and the files below them as
objects. Paths that do not name a bucket go to --bucket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := &s3gw.Server{
				D:   application.d,
				Log: application.log,
				Opt: s3gw.Options{
					Bucket: viper.GetString("serve_s3.bucket"),
					APIKey: viper.GetString("serve_s3.api_key"),
					RateLimit: middleware.RateLimitOptions{
						Requests: viper.GetInt("serve_s3.rate_limit"),
						Window:   viper.GetDuration("serve_s3.rate_window"),
					},
					ETagCache: viper.GetInt("serve_s3.etag_cache"),
				},
			}
			addr := viper.GetString("serve_s3.addr")
			return runWithMetrics(application.ctx, func(ctx context.Context) error {
				return srv.Start(ctx, addr)
			})
		},
	}
	cmd.Flags().String("addr", ":9000", "listen address")
	cmd.Flags().String("bucket", "hyport", "default bucket, created when missing")
	cmd.Flags().String("api-key", "", "require this key via X-API-Key or a Bearer token")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per client per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Int("etag-cache", s3gw.DefaultETagCache, "object hashes kept in memory")
	bindConfig("serve_s3.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_s3.bucket", cmd.Flags().Lookup("bucket"))
	bindConfig("serve_s3.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_s3.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_s3.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve_s3.etag_cache", cmd.Flags().Lookup("etag-cache"))
	return cmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List directory contents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}
			return doList(cmd.Context(), application.d, p, cmd.OutOrStdout())
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show the attributes of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doStat(cmd.Context(), application.d, args[0], cmd.OutOrStdout())
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print the file contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doCat(cmd.Context(), application.d, args[0], cmd.OutOrStdout())
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <destination>",
		Short: "Write stdin to the destination path, replacing its contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPut(cmd.Context(), application.d, args[0], cmd.InOrStdin())
		},
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch.Error("mkdir", args[0], application.d.Mkdir(cmd.Context(), args[0]))
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a file or an empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRemove(cmd.Context(), application.d, args[0])
		},
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <source> <destination>",
		Short: "Rename a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch.Error("mv", args[0], application.d.Rename(cmd.Context(), args[0], args[1]))
		},
	}
}

func newDriversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the compiled-in drive types",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range drive.Drivers() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// runWithMetrics runs fn and, when metrics.addr is set, a metrics endpoint
// alongside it. The endpoint stops when fn returns.
func runWithMetrics(ctx context.Context, fn func(context.Context) error) error {
	addr := viper.GetString("metrics.addr")
	if addr == "" {
		return fn(ctx)
	}
	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	g.Go(func() error {
		defer cancel()
		return fn(ctx)
	})
	g.Go(func() error {
		return serveMetrics(ctx, addr, application.registry, application.log)
	})
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}

func doList(ctx context.Context, d *dispatch.Dispatcher, p string, w io.Writer) error {
	attr, errno := d.Stat(ctx, p)
	if errno != 0 {
		return dispatch.Error("ls", p, errno)
	}
	if !attr.IsDir() {
		fmt.Fprintf(w, "%s\t%d\n", p, attr.Size)
		return nil
	}
	var names []string
	if errno := d.List(ctx, p, func(name string) {
		if name != "." && name != ".." {
			names = append(names, name)
		}
	}); errno != 0 {
		return dispatch.Error("ls", p, errno)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		child, errno := d.Stat(ctx, drive.Clean(p+"/"+name))
		switch {
		case errno != 0:
			fmt.Fprintf(tw, "%s\t?\n", name)
		case child.IsDir():
			fmt.Fprintf(tw, "%s/\t-\n", name)
		default:
			fmt.Fprintf(tw, "%s\t%d\n", name, child.Size)
		}
	}
	return tw.Flush()
}

func doStat(ctx context.Context, d *dispatch.Dispatcher, p string, w io.Writer) error {
	attr, errno := d.Stat(ctx, p)
	if errno != 0 {
		return dispatch.Error("stat", p, errno)
	}
	kind := "file"
	if attr.IsDir() {
		kind = "directory"
	}
	fmt.Fprintf(w, "path: %s\ntype: %s\nsize: %d\nmode: %s\n", drive.Clean(p), kind, attr.Size, attr.FileMode())
	if !attr.ModTime.IsZero() {
		fmt.Fprintf(w, "modified: %s\n", attr.ModTime.Format(time.RFC3339))
	}
	return nil
}

func doCat(ctx context.Context, d *dispatch.Dispatcher, p string, w io.Writer) error {
	_, err := d.ReadFile(ctx, p, w)
	return err
}

func doPut(ctx context.Context, d *dispatch.Dispatcher, p string, r io.Reader) error {
	_, err := d.WriteFile(ctx, p, r)
	return err
}

func doRemove(ctx context.Context, d *dispatch.Dispatcher, p string) error {
	attr, errno := d.Stat(ctx, p)
	if errno != 0 {
		return dispatch.Error("rm", p, errno)
	}
	if attr.IsDir() {
		return dispatch.Error("rm", p, d.Rmdir(ctx, p))
	}
	return dispatch.Error("rm", p, d.Unlink(ctx, p))
}
